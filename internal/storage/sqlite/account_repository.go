package sqlite

import (
	"database/sql"
	"errors"
	"time"

	"github.com/appfetch/appfetch/internal/storage"
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(dbConn *sql.DB) *AccountRepository {
	return &AccountRepository{db: dbConn}
}

func (r *AccountRepository) SaveAccount(account storage.Account) error {
	_, err := r.db.Exec(`
		INSERT INTO accounts (email, dsid, name, region, guid, password_token, cookies, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			dsid = excluded.dsid,
			name = excluded.name,
			region = excluded.region,
			guid = excluded.guid,
			password_token = excluded.password_token,
			cookies = excluded.cookies,
			updated_at = excluded.updated_at
	`, account.Email, account.DSID, account.Name, account.Region,
		account.GUID, account.PasswordToken, account.Cookies, time.Now().Format(time.RFC3339))

	return err
}

func (r *AccountRepository) GetAccount(email string) (storage.Account, error) {
	var account storage.Account

	err := r.db.QueryRow(`
		SELECT email, dsid, name, region, guid, password_token, cookies, updated_at
		FROM accounts WHERE email = ?
	`, email).Scan(&account.Email, &account.DSID, &account.Name, &account.Region,
		&account.GUID, &account.PasswordToken, &account.Cookies, &account.UpdatedAt)

	if errors.Is(err, sql.ErrNoRows) {
		return account, storage.ErrNotFound
	}

	return account, err
}

func (r *AccountRepository) GetAccounts() ([]storage.Account, error) {
	rows, err := r.db.Query(`
		SELECT email, dsid, name, region, guid, password_token, cookies, updated_at
		FROM accounts
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []storage.Account

	for rows.Next() {
		var account storage.Account

		err := rows.Scan(&account.Email, &account.DSID, &account.Name, &account.Region,
			&account.GUID, &account.PasswordToken, &account.Cookies, &account.UpdatedAt)
		if err != nil {
			return nil, err
		}

		accounts = append(accounts, account)
	}

	return accounts, rows.Err()
}

// DeleteAccount removes the account and its stored credential together.
func (r *AccountRepository) DeleteAccount(email string) error {
	if _, err := r.db.Exec(`DELETE FROM credentials WHERE email = ?`, email); err != nil {
		return err
	}

	_, err := r.db.Exec(`DELETE FROM accounts WHERE email = ?`, email)

	return err
}

func (r *AccountRepository) SaveCredential(cred storage.Credential) error {
	_, err := r.db.Exec(`
		INSERT INTO credentials (email, key_id, iv, ciphertext)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(email) DO UPDATE SET
			key_id = excluded.key_id,
			iv = excluded.iv,
			ciphertext = excluded.ciphertext
	`, cred.Email, cred.KeyID, cred.IV, cred.Ciphertext)

	return err
}

func (r *AccountRepository) GetCredential(email string) (storage.Credential, error) {
	var cred storage.Credential

	err := r.db.QueryRow(`
		SELECT email, key_id, iv, ciphertext FROM credentials WHERE email = ?
	`, email).Scan(&cred.Email, &cred.KeyID, &cred.IV, &cred.Ciphertext)

	if errors.Is(err, sql.ErrNoRows) {
		return cred, storage.ErrNotFound
	}

	return cred, err
}
