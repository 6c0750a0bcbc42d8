package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/appfetch/appfetch/internal/appstore"
	"github.com/appfetch/appfetch/internal/job"
	"github.com/appfetch/appfetch/internal/keys"
	"github.com/appfetch/appfetch/internal/logctx"
	"github.com/appfetch/appfetch/internal/storage"
	"github.com/appfetch/appfetch/internal/telemetry"
	"github.com/appfetch/appfetch/internal/versions"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"howett.net/plist"
)

const sseInterval = 500 * time.Millisecond

// StoreClient is the vendor protocol surface the API needs.
type StoreClient interface {
	Authenticate(ctx context.Context, session *appstore.Session, email, password, mfa string) (*appstore.AuthResult, error)
	EnsureLicense(ctx context.Context, session *appstore.Session, productID, versionID string) error
	FetchDownloadInfo(ctx context.Context, session *appstore.Session, productID, versionID string) (*appstore.DownloadInfo, error)
}

// accountSession is the in-memory state behind one API token. The mutex
// serializes jobs that share the account, since the vendor session's cookie
// jar must not be mutated concurrently.
type accountSession struct {
	email    string
	password string
	session  *appstore.Session

	mu sync.Mutex
}

// Handler exposes the download service API.
type Handler struct {
	store       StoreClient
	orch        *job.Orchestrator
	versions    *versions.Client
	accounts    storage.AccountRepository
	downloads   storage.DownloadRepository
	keyProvider *keys.Provider
	downloadDir string
	telemetry   *telemetry.Telemetry

	// baseCtx outlives any request; jobs run on it so an observer detach
	// never cancels a running download.
	baseCtx context.Context

	sessionsMu sync.RWMutex
	sessions   map[string]*accountSession
}

func NewHandler(
	baseCtx context.Context,
	store StoreClient,
	orch *job.Orchestrator,
	vc *versions.Client,
	accounts storage.AccountRepository,
	downloads storage.DownloadRepository,
	keyProvider *keys.Provider,
	downloadDir string,
	t *telemetry.Telemetry,
) *Handler {
	return &Handler{
		store:       store,
		orch:        orch,
		versions:    vc,
		accounts:    accounts,
		downloads:   downloads,
		keyProvider: keyProvider,
		downloadDir: downloadDir,
		telemetry:   t,
		baseCtx:     baseCtx,
		sessions:    make(map[string]*accountSession),
	}
}

func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/api/login", h.handleLogin)
	r.Post("/api/logout", h.handleLogout)
	r.Get("/api/accounts", h.handleListAccounts)
	r.Delete("/api/accounts/{email}", h.handleDeleteAccount)
	r.Get("/api/versions", h.handleVersions)
	r.Get("/api/download-url", h.handleDownloadURL)
	r.Post("/api/start-download", h.handleStartDownload)
	r.Get("/api/progress-sse", h.handleProgressSSE)
	r.Get("/api/jobs/{jobID}", h.handleJobInfo)
	r.Get("/api/download-file", h.handleDownloadFile)
	r.Get("/api/install-manifest", h.handleInstallManifest)
	r.Get("/api/downloads", h.handleListDownloads)
	r.Delete("/api/downloads/{recordID}", h.handleDeleteDownload)

	return r
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Code     string `json:"code"`
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "email and password are required")

		return
	}

	session := &appstore.Session{GUID: h.deviceGUID(req.Email)}

	res, err := h.store.Authenticate(ctx, session, req.Email, req.Password, req.Code)
	if err != nil {
		var authErr *appstore.AuthError
		if errors.As(err, &authErr) {
			logger.Warn("login rejected", "email", req.Email, "reason", authErr.Reason)
			respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
				"ok":           false,
				"error":        authErr.Message,
				"mfa_required": authErr.Reason == appstore.ReasonMFARequired,
			})

			return
		}

		logger.Error("login failed", "err", err)
		respondError(w, http.StatusInternalServerError, "login failed")

		return
	}

	if err := h.persistAccount(req.Email, req.Password, session); err != nil {
		logger.Error("failed to persist account", "err", err)
	}

	token := uuid.NewString()

	h.sessionsMu.Lock()
	h.sessions[token] = &accountSession{email: req.Email, password: req.Password, session: session}
	h.sessionsMu.Unlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":     true,
		"token":  token,
		"email":  req.Email,
		"dsid":   session.DSID,
		"name":   res.DisplayName,
		"region": session.Region,
	})
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Token string `json:"token"`
	}

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required")

		return
	}

	h.sessionsMu.Lock()
	delete(h.sessions, req.Token)
	h.sessionsMu.Unlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.accounts.GetAccounts()
	if err != nil {
		logctx.LoggerFromContext(r.Context()).Error("failed to list accounts", "err", err)
		respondError(w, http.StatusInternalServerError, "failed to list accounts")

		return
	}

	out := make([]map[string]interface{}, 0, len(accounts))
	for _, a := range accounts {
		out = append(out, map[string]interface{}{
			"email":      a.Email,
			"dsid":       a.DSID,
			"name":       a.Name,
			"region":     a.Region,
			"updated_at": a.UpdatedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "accounts": out})
}

func (h *Handler) handleDeleteAccount(w http.ResponseWriter, r *http.Request) {
	email, err := url.PathUnescape(chi.URLParam(r, "email"))
	if err != nil || email == "" {
		respondError(w, http.StatusBadRequest, "invalid email")

		return
	}

	if err := h.accounts.DeleteAccount(email); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to delete account")

		return
	}

	// Drop any live tokens for the account as well.
	h.sessionsMu.Lock()
	for token, as := range h.sessions {
		if as.email == email {
			delete(h.sessions, token)
		}
	}
	h.sessionsMu.Unlock()

	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) handleVersions(w http.ResponseWriter, r *http.Request) {
	productID := r.URL.Query().Get("appid")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "appid is required")

		return
	}

	region := r.URL.Query().Get("region")

	list, err := h.versions.Lookup(r.Context(), productID, region)
	if err != nil {
		respondError(w, http.StatusNotFound, "no version data available")

		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":    true,
		"total": len(list),
		"data":  list,
	})
}

func (h *Handler) handleDownloadURL(w http.ResponseWriter, r *http.Request) {
	as, ok := h.sessionFor(r.URL.Query().Get("token"))
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid token")

		return
	}

	productID := r.URL.Query().Get("appid")
	if productID == "" {
		respondError(w, http.StatusBadRequest, "appid is required")

		return
	}

	versionID := r.URL.Query().Get("appVerId")

	as.mu.Lock()
	info, err := h.store.FetchDownloadInfo(r.Context(), as.session, productID, versionID)
	as.mu.Unlock()

	if err != nil {
		h.respondStoreError(w, r, err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"ok":       true,
		"url":      info.URL,
		"fileName": info.FileName(),
	})
}

type startDownloadRequest struct {
	Token        string `json:"token"`
	ProductID    string `json:"appid"`
	VersionID    string `json:"appVerId"`
	AutoPurchase bool   `json:"autoPurchase"`
}

func (h *Handler) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req startDownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" || req.ProductID == "" {
		respondError(w, http.StatusBadRequest, "token and appid are required")

		return
	}

	as, ok := h.sessionFor(req.Token)
	if !ok {
		respondError(w, http.StatusUnauthorized, "invalid token")

		return
	}

	j := h.orch.Start(h.baseCtx, job.Request{
		Session:      as.session,
		Email:        as.email,
		ProductID:    req.ProductID,
		VersionID:    req.VersionID,
		DestDir:      h.downloadDir,
		AutoPurchase: req.AutoPurchase,
		Reauth:       h.reauthFunc(as),
		Lock:         &as.mu,
	})

	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "jobId": j.ID})
}

func (h *Handler) handleProgressSSE(w http.ResponseWriter, r *http.Request) {
	j, ok := h.orch.Registry().Get(r.URL.Query().Get("jobId"))
	if !ok {
		respondError(w, http.StatusNotFound, "no such job")

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "streaming unsupported")

		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(sseInterval)
	defer ticker.Stop()

	lastLogIndex := 0

	for {
		select {
		case <-r.Context().Done():
			// Observer left; the job keeps running.
			return
		case <-ticker.C:
			snap := j.Snapshot()

			writeSSE(w, "progress", map[string]interface{}{
				"status":   snap.Status,
				"stage":    snap.Stage,
				"percent":  snap.Percent,
				"fileSize": snap.FileSize,
				"error":    snap.Error,
			})

			for ; lastLogIndex < len(snap.Log); lastLogIndex++ {
				writeSSE(w, "log", snap.Log[lastLogIndex])
			}

			flusher.Flush()

			if snap.Terminal() {
				writeSSE(w, "end", map[string]interface{}{"status": snap.Status})
				flusher.Flush()

				return
			}
		}
	}
}

func (h *Handler) handleJobInfo(w http.ResponseWriter, r *http.Request) {
	j, ok := h.orch.Registry().Get(chi.URLParam(r, "jobID"))
	if !ok {
		respondError(w, http.StatusNotFound, "no such job")

		return
	}

	respondJSON(w, http.StatusOK, j.Snapshot())
}

func (h *Handler) handleDownloadFile(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.readySnapshot(r.URL.Query().Get("jobId"))
	if !ok {
		respondError(w, http.StatusNotFound, "no such job")

		return
	}

	if snap.Status != job.StatusReady {
		respondError(w, http.StatusBadRequest, "job is not ready")

		return
	}

	f, err := os.Open(snap.FilePath)
	if err != nil {
		respondError(w, http.StatusGone, "package no longer on disk")

		return
	}

	defer f.Close()

	name := filepath.Base(snap.FilePath)

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q; filename*=UTF-8''%s", name, url.PathEscape(name)))

	if st, err := f.Stat(); err == nil {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", st.Size()))
	}

	if _, err := io.Copy(w, f); err != nil {
		logctx.LoggerFromContext(r.Context()).Warn("package delivery interrupted", "err", err)
	}
}

// handleInstallManifest serves the property-list manifest an itms-services
// link needs for over-the-air install of a finished package.
func (h *Handler) handleInstallManifest(w http.ResponseWriter, r *http.Request) {
	jobID := r.URL.Query().Get("jobId")

	snap, ok := h.readySnapshot(jobID)
	if !ok || snap.Status != job.StatusReady {
		respondError(w, http.StatusNotFound, "no ready package for job")

		return
	}

	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}

	packageURL := fmt.Sprintf("%s://%s/api/download-file?jobId=%s", scheme, r.Host, url.QueryEscape(jobID))

	manifest := map[string]interface{}{
		"items": []interface{}{
			map[string]interface{}{
				"assets": []interface{}{
					map[string]interface{}{
						"kind": "software-package",
						"url":  packageURL,
					},
				},
				"metadata": map[string]interface{}{
					"kind":              "software",
					"bundle-identifier": snap.Metadata["bundleId"],
					"bundle-version":    snap.Metadata["version"],
					"title":             snap.Metadata["bundleDisplayName"],
				},
			},
		},
	}

	raw, err := plist.MarshalIndent(manifest, plist.XMLFormat, "\t")
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to build manifest")

		return
	}

	w.Header().Set("Content-Type", "application/xml")
	_, _ = w.Write(raw)
}

func (h *Handler) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	records, err := h.downloads.GetDownloads()
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to list downloads")

		return
	}

	out := make([]map[string]interface{}, 0, len(records))
	for _, rec := range records {
		out = append(out, map[string]interface{}{
			"id":            rec.ID,
			"email":         rec.Email,
			"product_id":    rec.ProductID,
			"bundle_id":     rec.BundleID,
			"name":          rec.Name,
			"version":       rec.Version,
			"file_size":     rec.FileSize,
			"downloaded_at": rec.DownloadedAt,
		})
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "downloads": out})
}

func (h *Handler) handleDeleteDownload(w http.ResponseWriter, r *http.Request) {
	recordID := chi.URLParam(r, "recordID")

	rec, err := h.downloads.GetDownload(recordID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			respondError(w, http.StatusNotFound, "no such download")

			return
		}

		respondError(w, http.StatusInternalServerError, "failed to load download")

		return
	}

	if err := os.Remove(rec.FilePath); err != nil && !os.IsNotExist(err) {
		respondError(w, http.StatusInternalServerError, "failed to delete package")

		return
	}

	if err := h.downloads.DeleteDownload(recordID); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to drop record")

		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"ok": true})
}

func (h *Handler) sessionFor(token string) (*accountSession, bool) {
	if token == "" {
		return nil, false
	}

	h.sessionsMu.RLock()
	defer h.sessionsMu.RUnlock()

	as, ok := h.sessions[token]

	return as, ok
}

// readySnapshot looks a job up and returns its snapshot.
func (h *Handler) readySnapshot(jobID string) (job.Snapshot, bool) {
	j, ok := h.orch.Registry().Get(jobID)
	if !ok {
		return job.Snapshot{}, false
	}

	return j.Snapshot(), true
}

// reauthFunc builds the one-shot session refresh the orchestrator may call
// when the vendor expires the session mid-job.
func (h *Handler) reauthFunc(as *accountSession) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		password := as.password
		if password == "" {
			cred, err := h.accounts.GetCredential(as.email)
			if err != nil {
				return fmt.Errorf("no stored credential for %s: %w", as.email, err)
			}

			password, err = h.keyProvider.Open(cred.KeyID, cred.IV, cred.Ciphertext)
			if err != nil {
				return fmt.Errorf("failed to open stored credential: %w", err)
			}
		}

		_, err := h.store.Authenticate(ctx, as.session, as.email, password, "")

		return err
	}
}

// deviceGUID reuses the account's stored device identifier so the vendor
// sees a stable device across restarts.
func (h *Handler) deviceGUID(email string) string {
	if account, err := h.accounts.GetAccount(email); err == nil && account.GUID != "" {
		return account.GUID
	}

	return appstore.DeviceGUID()
}

func (h *Handler) persistAccount(email, password string, session *appstore.Session) error {
	cookies, err := json.Marshal(session.Cookies)
	if err != nil {
		return fmt.Errorf("failed to encode cookies: %w", err)
	}

	account := storage.Account{
		Email:         email,
		DSID:          session.DSID,
		Name:          session.DisplayName,
		Region:        session.Region,
		GUID:          session.GUID,
		PasswordToken: session.PasswordToken,
		Cookies:       string(cookies),
	}

	if err := h.accounts.SaveAccount(account); err != nil {
		return err
	}

	if !h.keyProvider.Enabled() {
		return nil
	}

	iv, ciphertext, err := h.keyProvider.Seal(password)
	if err != nil {
		return err
	}

	return h.accounts.SaveCredential(storage.Credential{
		Email:      email,
		KeyID:      h.keyProvider.KeyID(),
		IV:         iv,
		Ciphertext: ciphertext,
	})
}

// RestoreSessions loads persisted accounts into live API tokens so clients
// can keep working across restarts. Returns token -> email.
func (h *Handler) RestoreSessions() (map[string]string, error) {
	accounts, err := h.accounts.GetAccounts()
	if err != nil {
		return nil, err
	}

	restored := make(map[string]string, len(accounts))

	for _, a := range accounts {
		var cookies []*http.Cookie
		if a.Cookies != "" {
			if err := json.Unmarshal([]byte(a.Cookies), &cookies); err != nil {
				continue
			}
		}

		session := &appstore.Session{
			GUID:          a.GUID,
			DSID:          a.DSID,
			PasswordToken: a.PasswordToken,
			DisplayName:   a.Name,
			Region:        a.Region,
			Cookies:       cookies,
		}

		token := uuid.NewString()

		h.sessionsMu.Lock()
		h.sessions[token] = &accountSession{email: a.Email, session: session}
		h.sessionsMu.Unlock()

		restored[token] = a.Email
	}

	return restored, nil
}

func (h *Handler) respondStoreError(w http.ResponseWriter, r *http.Request, err error) {
	logctx.LoggerFromContext(r.Context()).Warn("store call failed", "err", err)

	var (
		licenseErr *appstore.LicenseError
		sessionErr *appstore.SessionError
	)

	switch {
	case errors.As(err, &licenseErr):
		respondJSON(w, http.StatusConflict, map[string]interface{}{
			"ok": false, "error": licenseErr.Message, "needs_purchase": true,
		})
	case errors.As(err, &sessionErr):
		respondJSON(w, http.StatusUnauthorized, map[string]interface{}{
			"ok": false, "error": sessionErr.Message, "needs_reauth": true,
		})
	default:
		h.telemetry.RecordSystemError("store_client", "upstream")
		respondError(w, http.StatusBadGateway, "store request failed")
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]interface{}{"ok": false, "error": message})
}

func writeSSE(w io.Writer, event string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}

	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}
