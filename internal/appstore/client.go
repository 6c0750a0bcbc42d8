package appstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/appfetch/appfetch/internal/logctx"
	"github.com/appfetch/appfetch/internal/retryhttp"
	"howett.net/plist"
)

const (
	userAgent   = "Configurator/2.15 (Macintosh; OS X 11.0.0; 16G29) AppleWebKit/2603.3.8"
	contentType = "application/x-www-form-urlencoded"

	authPath     = "/auth/v1/native/fast"
	buyPath      = "/WebObjects/MZFinance.woa/wa/buyProduct"
	downloadPath = "/WebObjects/MZFinance.woa/wa/volumeStoreDownloadProduct"
)

// Client speaks the store's plist-over-HTTPS protocol. It is stateless
// between calls: all per-account state lives in the Session passed in.
type Client struct {
	authBaseURL string
	buyBaseURL  string
	httpClient  *retryhttp.Client
}

func NewClient(authBaseURL, buyBaseURL string, httpClient *retryhttp.Client) *Client {
	if httpClient == nil {
		httpClient = retryhttp.NewClient(nil, 0, -1)
	}

	return &Client{
		authBaseURL: strings.TrimRight(authBaseURL, "/"),
		buyBaseURL:  strings.TrimRight(buyBaseURL, "/"),
		httpClient:  httpClient,
	}
}

// AuthResult carries the account identity extracted from a successful
// sign-in. The same fields are absorbed into the Session.
type AuthResult struct {
	DSID        string
	DisplayName string
	Region      string
}

// Authenticate signs in and fills the session's identity fields. A second
// factor, when present, is appended to the password the way the vendor's
// own tooling does it.
func (c *Client) Authenticate(ctx context.Context, session *Session, email, password, mfa string) (*AuthResult, error) {
	logger := logctx.LoggerFromContext(ctx)

	attempt := 4
	if mfa != "" {
		attempt = 2
	}

	body := map[string]interface{}{
		"appleId":       email,
		"attempt":       attempt,
		"createSession": "true",
		"guid":          session.GUID,
		"password":      password + mfa,
		"rmp":           0,
		"why":           "signIn",
	}

	doc, err := c.postPlist(ctx, session, c.authBaseURL+authPath, "authenticate", body, false)
	if err != nil {
		return nil, err
	}

	if failureType, failed := failure(doc); failed {
		return nil, failureError(failureType, stringField(doc, "customerMessage"))
	}

	session.Absorb(doc)

	if session.DSID == "" || session.PasswordToken == "" {
		return nil, &ProtocolError{Message: "sign-in response is missing account identity fields"}
	}

	logger.DebugContext(ctx, "authenticated with store", "dsid", session.DSID, "region", session.Region)

	return &AuthResult{DSID: session.DSID, DisplayName: session.DisplayName, Region: session.Region}, nil
}

// EnsureLicense acquires an entitlement for a free or already-owned item.
// Idempotent: an "already purchased" style reply counts as success.
func (c *Client) EnsureLicense(ctx context.Context, session *Session, productID, versionID string) error {
	body := map[string]interface{}{
		"guid":              session.GUID,
		"salableAdamId":     productID,
		"pricingParameters": "STDQ",
	}

	if versionID != "" {
		body["externalVersionId"] = versionID
		body["appExtVrsId"] = versionID
	}

	doc, err := c.postPlist(ctx, session, c.buyBaseURL+buyPath, "ensure_license", body, true)
	if err != nil {
		return err
	}

	if failureType, failed := failure(doc); failed {
		msg := stringField(doc, "customerMessage")
		if strings.Contains(strings.ToLower(failureType+" "+msg), "already") {
			return nil
		}

		return failureError(failureType, msg)
	}

	return nil
}

// FetchDownloadInfo retrieves the download descriptor for a product. It
// does not attempt license acquisition on failure; that policy belongs to
// the orchestrator.
func (c *Client) FetchDownloadInfo(ctx context.Context, session *Session, productID, versionID string) (*DownloadInfo, error) {
	body := map[string]interface{}{
		"creditDisplay": "",
		"guid":          session.GUID,
		"salableAdamId": productID,
	}

	if versionID != "" {
		body["externalVersionId"] = versionID
	}

	doc, err := c.postPlist(ctx, session, c.buyBaseURL+downloadPath, "download_info", body, true)
	if err != nil {
		return nil, err
	}

	if failureType, failed := failure(doc); failed {
		return nil, failureError(failureType, stringField(doc, "customerMessage"))
	}

	info, err := parseDownloadInfo(doc)
	if err != nil {
		return nil, err
	}

	return info, nil
}

// failure reports whether the document is a vendor-level failure. A
// response is a success iff it lacks a failureType field.
func failure(doc map[string]interface{}) (string, bool) {
	v, ok := doc["failureType"]
	if !ok || v == nil {
		return "", false
	}

	return stringField(doc, "failureType"), true
}

func (c *Client) postPlist(ctx context.Context, session *Session, rawURL, operation string, body map[string]interface{}, withAuth bool) (map[string]interface{}, error) {
	payload, err := plist.Marshal(body, plist.XMLFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	u := rawURL + "?guid=" + url.QueryEscape(session.GUID)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", contentType)

	if withAuth {
		req.Header.Set("X-Dsid", session.DSID)
		req.Header.Set("iCloud-DSID", session.DSID)

		if session.PasswordToken != "" {
			req.Header.Set("X-Token", session.PasswordToken)
		}
	}

	for _, cookie := range session.Cookies {
		req.AddCookie(cookie)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &TransportError{Operation: operation, Err: err}
	}

	defer resp.Body.Close()

	session.absorbCookies(resp.Cookies())

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &TransportError{Operation: operation, Err: err}
	}

	doc := map[string]interface{}{}
	if len(bytes.TrimSpace(raw)) > 0 {
		if _, err := plist.Unmarshal(raw, &doc); err != nil {
			return nil, &ProtocolError{Message: fmt.Sprintf("unparseable response (HTTP %d)", resp.StatusCode)}
		}
	}

	return doc, nil
}
