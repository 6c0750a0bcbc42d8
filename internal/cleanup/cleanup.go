package cleanup

import (
	"context"
	"os"
	"time"

	"github.com/appfetch/appfetch/internal/logctx"
	"github.com/appfetch/appfetch/internal/storage"
)

// DeleteExpiredPackages removes packages past their retention window and
// drops their tracking records. Records pointing at files that no longer
// exist are dropped too, so the table never accumulates dead entries.
func DeleteExpiredPackages(ctx context.Context, repo storage.DownloadRepository, keepDuration time.Duration) error {
	logger := logctx.LoggerFromContext(ctx)

	cutoff := time.Now().Add(-keepDuration).Format(time.RFC3339)

	expired, err := repo.GetExpiredDownloads(cutoff)
	if err != nil {
		return err
	}

	for _, rec := range expired {
		if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
			logger.Error("failed to delete expired package", "file", rec.FilePath, "err", err)

			continue
		}

		if err := repo.DeleteDownload(rec.ID); err != nil {
			logger.Error("failed to drop download record", "id", rec.ID, "err", err)

			continue
		}

		logger.Info("deleted expired package", "file", rec.FilePath)
	}

	return nil
}

// Run deletes expired packages on a fixed interval until ctx is done.
func Run(ctx context.Context, repo storage.DownloadRepository, keepDuration, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := DeleteExpiredPackages(ctx, repo, keepDuration); err != nil {
				logger.Error("cleanup pass failed", "err", err)
			}
		}
	}
}
