package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/appfetch/appfetch/internal/appstore"
	"github.com/appfetch/appfetch/internal/downloader"
	"github.com/appfetch/appfetch/internal/job"
	"github.com/appfetch/appfetch/internal/keys"
	"github.com/appfetch/appfetch/internal/storage"
	"github.com/appfetch/appfetch/internal/versions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

type fakeStore struct {
	mu        sync.Mutex
	authErr   error
	fetchErr  error
	authCalls int
}

func (s *fakeStore) Authenticate(_ context.Context, session *appstore.Session, email, _, _ string) (*appstore.AuthResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.authCalls++

	if s.authErr != nil {
		return nil, s.authErr
	}

	session.DSID = "12345"
	session.PasswordToken = "token"
	session.DisplayName = "Test User"
	session.Region = "US"

	return &appstore.AuthResult{DSID: "12345", DisplayName: "Test User", Region: "US"}, nil
}

func (s *fakeStore) EnsureLicense(context.Context, *appstore.Session, string, string) error {
	return nil
}

func (s *fakeStore) FetchDownloadInfo(context.Context, *appstore.Session, string, string) (*appstore.DownloadInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.fetchErr != nil {
		return nil, s.fetchErr
	}

	return &appstore.DownloadInfo{
		URL: "https://cdn.example.com/app.ipa",
		Metadata: map[string]interface{}{
			"bundleDisplayName":        "Demo",
			"bundleShortVersionString": "1.0.0",
			"softwareVersionBundleId":  "com.example.demo",
		},
		Sinfs: []appstore.Sinf{{ID: 0, Data: []byte("sinf")}},
	}, nil
}

type fakeDownloader struct{}

func (fakeDownloader) ProbeSize(context.Context, string) (int64, error) { return 100, nil }

func (fakeDownloader) NumChunks(int64) int { return 1 }

func (fakeDownloader) Download(_ context.Context, _ string, total int64, destPath string, ev downloader.Events) error {
	if ev.Progress != nil {
		ev.Progress(total, total, 100)
	}

	return os.WriteFile(destPath, []byte("signed-ipa"), 0644)
}

type fakeSigner struct{}

func (fakeSigner) Sign(string, *appstore.DownloadInfo, string) error { return nil }

type memAccountRepo struct {
	mu       sync.Mutex
	accounts map[string]storage.Account
	creds    map[string]storage.Credential
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{
		accounts: make(map[string]storage.Account),
		creds:    make(map[string]storage.Credential),
	}
}

func (m *memAccountRepo) SaveAccount(a storage.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.accounts[a.Email] = a

	return nil
}

func (m *memAccountRepo) GetAccount(email string) (storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.accounts[email]
	if !ok {
		return a, storage.ErrNotFound
	}

	return a, nil
}

func (m *memAccountRepo) GetAccounts() ([]storage.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]storage.Account, 0, len(m.accounts))
	for _, a := range m.accounts {
		out = append(out, a)
	}

	return out, nil
}

func (m *memAccountRepo) DeleteAccount(email string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.accounts, email)
	delete(m.creds, email)

	return nil
}

func (m *memAccountRepo) SaveCredential(c storage.Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.creds[c.Email] = c

	return nil
}

func (m *memAccountRepo) GetCredential(email string) (storage.Credential, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.creds[email]
	if !ok {
		return c, storage.ErrNotFound
	}

	return c, nil
}

type memDownloadRepo struct {
	mu      sync.Mutex
	records map[string]storage.DownloadRecord
}

func newMemDownloadRepo() *memDownloadRepo {
	return &memDownloadRepo{records: make(map[string]storage.DownloadRecord)}
}

func (m *memDownloadRepo) TrackDownload(r storage.DownloadRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.records[r.ID] = r

	return nil
}

func (m *memDownloadRepo) GetDownloads() ([]storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]storage.DownloadRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}

	return out, nil
}

func (m *memDownloadRepo) GetDownload(id string) (storage.DownloadRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.records[id]
	if !ok {
		return r, storage.ErrNotFound
	}

	return r, nil
}

func (m *memDownloadRepo) GetExpiredDownloads(cutoff string) ([]storage.DownloadRecord, error) {
	return nil, nil
}

func (m *memDownloadRepo) DeleteDownload(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.records, id)

	return nil
}

type fixture struct {
	handler   *Handler
	store     *fakeStore
	accounts  *memAccountRepo
	downloads *memDownloadRepo
	server    *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := &fakeStore{}
	accounts := newMemAccountRepo()
	downloads := newMemDownloadRepo()
	orch := job.NewOrchestrator(store, fakeDownloader{}, fakeSigner{}, job.NewRegistry(), nil)

	kp, err := keys.NewProvider("", "")
	require.NoError(t, err)

	h := NewHandler(context.Background(), store, orch, versions.NewClient(nil),
		accounts, downloads, kp, t.TempDir(), nil)

	srv := httptest.NewServer(h.Routes())
	t.Cleanup(srv.Close)

	return &fixture{handler: h, store: store, accounts: accounts, downloads: downloads, server: srv}
}

func (f *fixture) login(t *testing.T) string {
	t.Helper()

	resp := f.postJSON(t, "/api/login", map[string]interface{}{
		"email":    "user@example.com",
		"password": "hunter2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, true, body["ok"])

	return body["token"].(string)
}

func (f *fixture) postJSON(t *testing.T, path string, payload interface{}) *http.Response {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	resp, err := http.Post(f.server.URL+path, "application/json", bytes.NewReader(raw))
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()

	defer resp.Body.Close()

	var body map[string]interface{}

	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))

	return body
}

func TestLogin(t *testing.T) {
	f := newFixture(t)

	token := f.login(t)
	assert.NotEmpty(t, token)

	// The account is persisted for restarts.
	account, err := f.accounts.GetAccount("user@example.com")
	require.NoError(t, err)
	assert.Equal(t, "12345", account.DSID)
	assert.Equal(t, "US", account.Region)
	assert.NotEmpty(t, account.GUID)
}

func TestLoginMFARequired(t *testing.T) {
	f := newFixture(t)
	f.store.authErr = &appstore.AuthError{
		Reason:  appstore.ReasonMFARequired,
		Message: "verification code required",
	}

	resp := f.postJSON(t, "/api/login", map[string]interface{}{
		"email": "user@example.com", "password": "hunter2",
	})
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, false, body["ok"])
	assert.Equal(t, true, body["mfa_required"])
}

func TestLoginMissingFields(t *testing.T) {
	f := newFixture(t)

	resp := f.postJSON(t, "/api/login", map[string]interface{}{"email": "user@example.com"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestDownloadURL(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	resp, err := http.Get(f.server.URL + "/api/download-url?token=" + token + "&appid=42")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, "https://cdn.example.com/app.ipa", body["url"])
	assert.Equal(t, "Demo_1.0.0.ipa", body["fileName"])
}

func TestDownloadURLInvalidToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/api/download-url?token=nope&appid=42")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestDownloadURLNeedsPurchase(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	f.store.fetchErr = &appstore.LicenseError{Message: "license not found"}

	resp, err := http.Get(f.server.URL + "/api/download-url?token=" + token + "&appid=42")
	require.NoError(t, err)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	body := decodeBody(t, resp)
	assert.Equal(t, true, body["needs_purchase"])
}

func startJob(t *testing.T, f *fixture, token string) string {
	t.Helper()

	resp := f.postJSON(t, "/api/start-download", map[string]interface{}{
		"token": token, "appid": "42",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody(t, resp)
	require.Equal(t, true, body["ok"])

	return body["jobId"].(string)
}

func waitReady(t *testing.T, f *fixture, jobID string) job.Snapshot {
	t.Helper()

	j, ok := f.handler.orch.Registry().Get(jobID)
	require.True(t, ok)
	require.Eventually(t, j.Terminal, 5*time.Second, 10*time.Millisecond)

	return j.Snapshot()
}

func TestStartDownloadAndFetchFile(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	jobID := startJob(t, f, token)

	snap := waitReady(t, f, jobID)
	require.Equal(t, job.StatusReady, snap.Status)

	// Job info endpoint reflects the terminal snapshot.
	resp, err := http.Get(f.server.URL + "/api/jobs/" + jobID)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	info := decodeBody(t, resp)
	assert.Equal(t, "ready", info["status"])
	assert.Equal(t, float64(100), info["percent"])

	// And the package can be fetched.
	resp, err = http.Get(f.server.URL + "/api/download-file?jobId=" + jobID)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Disposition"), "Demo_1.0.0.ipa")
}

func TestDownloadFileNotReady(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Get(f.server.URL + "/api/download-file?jobId=missing")
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestProgressSSE(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	jobID := startJob(t, f, token)
	waitReady(t, f, jobID)

	resp, err := http.Get(f.server.URL + "/api/progress-sse?jobId=" + jobID)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	buf := make([]byte, 16*1024)
	n, _ := resp.Body.Read(buf)
	events := string(buf[:n])

	assert.Contains(t, events, "event: progress")
	assert.Contains(t, events, `"status":"ready"`)
}

func TestInstallManifest(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	jobID := startJob(t, f, token)
	waitReady(t, f, jobID)

	resp, err := http.Get(f.server.URL + "/api/install-manifest?jobId=" + jobID)
	require.NoError(t, err)

	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)

	raw := make([]byte, 16*1024)
	n, _ := resp.Body.Read(raw)

	var manifest struct {
		Items []struct {
			Assets []struct {
				Kind string `plist:"kind"`
				URL  string `plist:"url"`
			} `plist:"assets"`
			Metadata struct {
				BundleIdentifier string `plist:"bundle-identifier"`
				Title            string `plist:"title"`
			} `plist:"metadata"`
		} `plist:"items"`
	}

	_, err = plist.Unmarshal(raw[:n], &manifest)
	require.NoError(t, err)

	require.Len(t, manifest.Items, 1)
	assert.Equal(t, "software-package", manifest.Items[0].Assets[0].Kind)
	assert.Contains(t, manifest.Items[0].Assets[0].URL, "/api/download-file?jobId="+jobID)
	assert.Equal(t, "com.example.demo", manifest.Items[0].Metadata.BundleIdentifier)
	assert.Equal(t, "Demo", manifest.Items[0].Metadata.Title)
}

func TestAccountsListAndDelete(t *testing.T) {
	f := newFixture(t)
	token := f.login(t)

	resp, err := http.Get(f.server.URL + "/api/accounts")
	require.NoError(t, err)

	body := decodeBody(t, resp)
	require.Equal(t, true, body["ok"])
	require.Len(t, body["accounts"], 1)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/accounts/user@example.com", nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// The live token is revoked with the account.
	resp, err = http.Get(f.server.URL + "/api/download-url?token=" + token + "&appid=42")
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp.Body.Close()
}

func TestDownloadRecords(t *testing.T) {
	f := newFixture(t)

	pkg := filepath.Join(t.TempDir(), "demo.ipa")
	require.NoError(t, os.WriteFile(pkg, []byte("ipa"), 0644))

	require.NoError(t, f.downloads.TrackDownload(storage.DownloadRecord{
		ID: "rec1", Email: "user@example.com", ProductID: "42",
		Name: "Demo", Version: "1.0.0", FilePath: pkg, FileSize: 3,
	}))

	resp, err := http.Get(f.server.URL + "/api/downloads")
	require.NoError(t, err)

	body := decodeBody(t, resp)
	require.Len(t, body["downloads"], 1)

	req, err := http.NewRequest(http.MethodDelete, f.server.URL+"/api/downloads/rec1", nil)
	require.NoError(t, err)

	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	_, err = os.Stat(pkg)
	assert.True(t, os.IsNotExist(err))

	_, err = f.downloads.GetDownload("rec1")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestRestoreSessions(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.accounts.SaveAccount(storage.Account{
		Email: "old@example.com", DSID: "9", GUID: "AABBCC",
		PasswordToken: "tok", Region: "GB",
		Cookies: `[{"Name":"x","Value":"y"}]`,
	}))

	restored, err := f.handler.RestoreSessions()
	require.NoError(t, err)
	require.Len(t, restored, 1)

	for token, email := range restored {
		assert.Equal(t, "old@example.com", email)

		as, ok := f.handler.sessionFor(token)
		require.True(t, ok)
		assert.Equal(t, "9", as.session.DSID)
		assert.Len(t, as.session.Cookies, 1)
	}
}
