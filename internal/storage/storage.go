package storage

import "errors"

var ErrNotFound = errors.New("record not found")

// Account is the persisted authenticated state for one store account. The
// cookie jar is stored as JSON so a restart can resume the session without
// a fresh login.
type Account struct {
	Email         string
	DSID          string
	Name          string
	Region        string
	GUID          string
	PasswordToken string
	Cookies       string
	UpdatedAt     string
}

// Credential is an encrypted copy of an account's password, kept so the
// service can re-authenticate when the vendor expires the session. The
// ciphertext carries the AEAD tag; IV and key id are stored alongside.
type Credential struct {
	Email      string
	KeyID      string
	IV         []byte
	Ciphertext []byte
}

// DownloadRecord tracks a completed package on disk for serving and
// retention cleanup.
type DownloadRecord struct {
	ID           string
	Email        string
	ProductID    string
	BundleID     string
	Name         string
	Version      string
	FilePath     string
	FileSize     int64
	DownloadedAt string
}

type AccountRepository interface {
	SaveAccount(account Account) error
	GetAccount(email string) (Account, error)
	GetAccounts() ([]Account, error)
	DeleteAccount(email string) error

	SaveCredential(cred Credential) error
	GetCredential(email string) (Credential, error)
}

type DownloadRepository interface {
	TrackDownload(record DownloadRecord) error
	GetDownloads() ([]DownloadRecord, error)
	GetDownload(id string) (DownloadRecord, error)
	GetExpiredDownloads(cutoff string) ([]DownloadRecord, error)
	DeleteDownload(id string) error
}
