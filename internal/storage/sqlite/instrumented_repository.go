package sqlite

import (
	"context"
	"database/sql"

	"github.com/appfetch/appfetch/internal/storage"
	"github.com/appfetch/appfetch/internal/telemetry"
)

// InstrumentedDownloadRepository wraps DownloadRepository with telemetry.
type InstrumentedDownloadRepository struct {
	repo      *DownloadRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedDownloadRepository creates a new instrumented download repository.
func NewInstrumentedDownloadRepository(dbConn *sql.DB, tel *telemetry.Telemetry) *InstrumentedDownloadRepository {
	return &InstrumentedDownloadRepository{
		repo:      NewDownloadRepository(dbConn),
		telemetry: tel,
	}
}

func (r *InstrumentedDownloadRepository) TrackDownload(record storage.DownloadRecord) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "track_download", func(ctx context.Context) error {
		return r.repo.TrackDownload(record)
	})
}

func (r *InstrumentedDownloadRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_downloads", func(ctx context.Context) error {
		result, err = r.repo.GetDownloads()

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) GetDownload(id string) (storage.DownloadRecord, error) {
	var result storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_download", func(ctx context.Context) error {
		result, err = r.repo.GetDownload(id)

		return err
	})

	if instrumentedErr != nil {
		return result, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) GetExpiredDownloads(cutoff string) ([]storage.DownloadRecord, error) {
	var result []storage.DownloadRecord

	var err error

	instrumentedErr := r.telemetry.InstrumentDBOperation(context.Background(), "get_expired_downloads", func(ctx context.Context) error {
		result, err = r.repo.GetExpiredDownloads(cutoff)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (r *InstrumentedDownloadRepository) DeleteDownload(id string) error {
	return r.telemetry.InstrumentDBOperation(context.Background(), "delete_download", func(ctx context.Context) error {
		return r.repo.DeleteDownload(id)
	})
}
