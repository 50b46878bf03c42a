package transfer

import (
	"context"
	"fmt"
	"io"
)

// ProgressReader wraps an io.Reader and reports progress via a callback every interval bytes.
// A callback error or a cancelled context fails the next Read.
type ProgressReader struct {
	ctx            context.Context
	reader         io.Reader
	total          int64
	onProgress     ProgressFunc
	totalRead      int64
	lastReport     int64 // bytes since last report
	reportInterval int64
}

func NewReader(ctx context.Context, r io.Reader, total, interval int64, cb ProgressFunc) *ProgressReader {
	return &ProgressReader{
		ctx:            ctx,
		reader:         r,
		total:          total,
		onProgress:     cb,
		reportInterval: interval,
	}
}

func (pr *ProgressReader) Read(p []byte) (int, error) {
	if err := pr.ctx.Err(); err != nil {
		return 0, err
	}

	n, err := pr.reader.Read(p)
	if n > 0 {
		pr.totalRead += int64(n)
		pr.lastReport += int64(n)

		if pr.onProgress != nil && pr.lastReport >= pr.reportInterval {
			pr.lastReport = 0

			if cbErr := pr.onProgress(pr.ctx, pr.totalRead, pr.total); cbErr != nil {
				return n, fmt.Errorf("%w: %w", ErrAborted, cbErr)
			}
		}
	}

	return n, err
}

// BytesRead returns the number of bytes read so far.
func (pr *ProgressReader) BytesRead() int64 {
	return pr.totalRead
}
