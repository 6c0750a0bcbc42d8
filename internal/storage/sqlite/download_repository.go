package sqlite

import (
	"database/sql"
	"errors"

	"github.com/appfetch/appfetch/internal/storage"
)

type DownloadRepository struct {
	db *sql.DB
}

func NewDownloadRepository(dbConn *sql.DB) *DownloadRepository {
	return &DownloadRepository{db: dbConn}
}

func (r *DownloadRepository) TrackDownload(record storage.DownloadRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO downloads (id, email, product_id, bundle_id, name, version, file_path, file_size, downloaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			file_path = excluded.file_path,
			file_size = excluded.file_size,
			downloaded_at = excluded.downloaded_at
	`, record.ID, record.Email, record.ProductID, record.BundleID,
		record.Name, record.Version, record.FilePath, record.FileSize, record.DownloadedAt)

	return err
}

func (r *DownloadRepository) GetDownloads() ([]storage.DownloadRecord, error) {
	return r.query(`
		SELECT id, email, product_id, bundle_id, name, version, file_path, file_size, downloaded_at
		FROM downloads ORDER BY downloaded_at DESC
	`)
}

func (r *DownloadRepository) GetDownload(id string) (storage.DownloadRecord, error) {
	var record storage.DownloadRecord

	err := r.db.QueryRow(`
		SELECT id, email, product_id, bundle_id, name, version, file_path, file_size, downloaded_at
		FROM downloads WHERE id = ?
	`, id).Scan(&record.ID, &record.Email, &record.ProductID, &record.BundleID,
		&record.Name, &record.Version, &record.FilePath, &record.FileSize, &record.DownloadedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return record, storage.ErrNotFound
	}

	return record, err
}

// GetExpiredDownloads returns records older than the RFC3339 cutoff.
func (r *DownloadRepository) GetExpiredDownloads(cutoff string) ([]storage.DownloadRecord, error) {
	return r.query(`
		SELECT id, email, product_id, bundle_id, name, version, file_path, file_size, downloaded_at
		FROM downloads WHERE downloaded_at < ?
	`, cutoff)
}

func (r *DownloadRepository) DeleteDownload(id string) error {
	_, err := r.db.Exec(`DELETE FROM downloads WHERE id = ?`, id)

	return err
}

func (r *DownloadRepository) query(q string, args ...interface{}) ([]storage.DownloadRecord, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []storage.DownloadRecord

	for rows.Next() {
		var record storage.DownloadRecord

		err := rows.Scan(&record.ID, &record.Email, &record.ProductID, &record.BundleID,
			&record.Name, &record.Version, &record.FilePath, &record.FileSize, &record.DownloadedAt)
		if err != nil {
			return nil, err
		}

		records = append(records, record)
	}

	return records, rows.Err()
}
