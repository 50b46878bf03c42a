package transfer

import (
	"context"

	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

// InstrumentedSource wraps a Source with telemetry.
type InstrumentedSource struct {
	source    Source
	telemetry *telemetry.Telemetry
}

// NewInstrumentedSource creates a new instrumented stream source.
func NewInstrumentedSource(source Source, tel *telemetry.Telemetry) *InstrumentedSource {
	return &InstrumentedSource{source: source, telemetry: tel}
}

// Open opens a stream with telemetry.
func (s *InstrumentedSource) Open(ctx context.Context, audiobookID, quality string) (*Stream, error) {
	var result *Stream

	err := s.telemetry.InstrumentOperation(ctx, "open_stream", "streaming", func(ctx context.Context) error {
		var err error
		result, err = s.source.Open(ctx, audiobookID, quality)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}
