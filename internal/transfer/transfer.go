package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/audiobook_backend/internal/logctx"
	"github.com/italolelis/audiobook_backend/internal/telemetry"
)

const (
	dirPerm  = 0755
	filePerm = 0644

	// minChunk is the smallest progress reporting interval.
	minChunk = 32 * 1024
	// unknownSizeChunk is the reporting interval when the stream size is unknown.
	unknownSizeChunk = 1024 * 1024
)

// ErrAborted is returned when the progress callback stops a transfer.
var ErrAborted = errors.New("transfer aborted")

// Stream is an open audio stream.
type Stream struct {
	Body io.ReadCloser
	// Size is the stream length in bytes, or -1 when the server did not announce it.
	Size int64
}

// Source opens the audio stream of an audiobook in a given quality.
type Source interface {
	Open(ctx context.Context, audiobookID, quality string) (*Stream, error)
}

// ProgressFunc is called after every chunk with the bytes read so far and the expected total
// (0 when unknown). A non-nil return stops the transfer.
type ProgressFunc func(ctx context.Context, written, total int64) error

// Request identifies the rendition to store.
type Request struct {
	UserID      string
	AudiobookID string
	Quality     string
	// ExpectedSize is used when the stream does not announce its length.
	ExpectedSize int64
}

// Result describes a stored file.
type Result struct {
	Path string
	Size int64
}

// Downloader copies audio streams into the offline download directory.
type Downloader struct {
	dir       string
	source    Source
	telemetry *telemetry.Telemetry
}

func NewDownloader(dir string, source Source, tel *telemetry.Telemetry) *Downloader {
	return &Downloader{dir: dir, source: source, telemetry: tel}
}

// TargetPath is where the rendition of an audiobook is stored for a user.
func (d *Downloader) TargetPath(userID, audiobookID, quality string) string {
	return filepath.Join(d.dir, userID, fmt.Sprintf("%s.%s.m4a", audiobookID, quality))
}

// Download streams the rendition to its target path. On any failure, including an abort
// from onProgress or ctx, the partial file is removed.
func (d *Downloader) Download(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	var result *Result

	err := d.telemetry.InstrumentTransfer(ctx, func(ctx context.Context) error {
		var err error
		result, err = d.download(ctx, req, onProgress)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

func (d *Downloader) download(ctx context.Context, req Request, onProgress ProgressFunc) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("audiobook_id", req.AudiobookID, "quality", req.Quality)

	stream, err := d.source.Open(ctx, req.AudiobookID, req.Quality)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream: %w", err)
	}
	defer stream.Body.Close()

	total := stream.Size
	if total <= 0 {
		total = req.ExpectedSize
	}

	if total < 0 {
		total = 0
	}

	targetPath := d.TargetPath(req.UserID, req.AudiobookID, req.Quality)

	if err := ensureTargetDir(targetPath); err != nil {
		return nil, err
	}

	out, err := os.OpenFile(targetPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, filePerm)
	if err != nil {
		return nil, fmt.Errorf("failed to create target file: %w", err)
	}

	logger.InfoContext(ctx, "downloading audiobook", "file_path", targetPath, "file_size", humanize.Bytes(uint64(total)))

	pr := NewReader(ctx, stream.Body, total, chunkSize(total), onProgress)

	written, copyErr := io.Copy(out, pr)
	closeErr := out.Close()

	if copyErr == nil && closeErr == nil && stream.Size > 0 && written != stream.Size {
		copyErr = &InvalidContentError{
			AudiobookID: req.AudiobookID,
			Reason:      fmt.Sprintf("stream ended after %d of %d bytes", written, stream.Size),
		}
	}

	if copyErr == nil && written == 0 {
		copyErr = &InvalidContentError{AudiobookID: req.AudiobookID, Reason: "stream is empty"}
	}

	if err := errors.Join(copyErr, closeErr); err != nil {
		if rmErr := os.Remove(targetPath); rmErr != nil && !os.IsNotExist(rmErr) {
			logger.WarnContext(ctx, "failed to remove partial file", "file_path", targetPath, "err", rmErr)
		}

		return nil, fmt.Errorf("failed to copy stream: %w", err)
	}

	d.telemetry.RecordDownloadBytes(ctx, written)

	logger.InfoContext(ctx, "downloaded and saved audiobook", "file_path", targetPath, "file_size", humanize.Bytes(uint64(written)))

	return &Result{Path: targetPath, Size: written}, nil
}

// chunkSize reports progress about every 1% of the total.
func chunkSize(total int64) int64 {
	if total <= 0 {
		return unknownSizeChunk
	}

	chunk := total / 100
	if chunk < minChunk {
		chunk = minChunk
	}

	return chunk
}

func ensureTargetDir(targetPath string) error {
	dir := filepath.Dir(targetPath)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return &DirectoryError{DirectoryName: dir, Reason: "cannot create directory", Err: err}
	}

	return nil
}
