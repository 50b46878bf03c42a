package cleanup

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/italolelis/audiobook_backend/internal/logctx"
)

// RemoveFile deletes a stored download. A file that is already gone is not an error.
// The user's directory is removed too once it is empty.
func RemoveFile(ctx context.Context, path string) error {
	if path == "" {
		return nil
	}

	logger := logctx.LoggerFromContext(ctx)

	if err := os.Remove(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.DebugContext(ctx, "file already deleted", "file", path)

			return nil
		}

		return fmt.Errorf("failed to delete file %s: %w", path, err)
	}

	logger.InfoContext(ctx, "deleted file", "file", path)

	// Fails harmlessly while the directory still holds other downloads.
	_ = os.Remove(filepath.Dir(path))

	return nil
}

// RemoveFileBestEffort deletes a stored download and only logs a failure.
func RemoveFileBestEffort(ctx context.Context, path string) {
	if err := RemoveFile(ctx, path); err != nil {
		logctx.LoggerFromContext(ctx).WarnContext(ctx, "failed to delete file", "file", path, "err", err)
	}
}
