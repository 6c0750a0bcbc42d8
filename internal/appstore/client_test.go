package appstore

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/appfetch/appfetch/internal/retryhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"
)

func plistResponse(t *testing.T, doc map[string]interface{}) []byte {
	t.Helper()

	raw, err := plist.Marshal(doc, plist.XMLFormat)
	require.NoError(t, err)

	return raw
}

func testClient(srvURL string) *Client {
	return NewClient(srvURL, srvURL, retryhttp.NewClient(nil, time.Second, 0))
}

func TestAuthenticate_Success(t *testing.T) {
	var gotBody map[string]interface{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		assert.Contains(t, r.URL.String(), "guid=TESTGUID")
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		_, err = plist.Unmarshal(raw, &gotBody)
		require.NoError(t, err)

		http.SetCookie(w, &http.Cookie{Name: "mz_at0", Value: "cookie-1"})
		_, _ = w.Write(plistResponse(t, map[string]interface{}{
			"dsPersonId":    int64(424242),
			"passwordToken": "ptok",
			"displayName":   "Test User",
			"storeFrontId":  "143441",
		}))
	}))
	defer srv.Close()

	session := &Session{GUID: "TESTGUID"}

	result, err := testClient(srv.URL).Authenticate(context.Background(), session, "user@example.com", "secret", "123456")
	require.NoError(t, err)

	assert.Equal(t, "424242", result.DSID)
	assert.Equal(t, "Test User", result.DisplayName)
	assert.Equal(t, "US", result.Region)

	// second factor is appended to the password, attempt switches to 2
	assert.Equal(t, "secret123456", gotBody["password"])
	assert.EqualValues(t, 2, gotBody["attempt"])
	assert.Equal(t, "signIn", gotBody["why"])

	// response cookies are absorbed into the session
	require.Len(t, session.Cookies, 1)
	assert.Equal(t, "mz_at0", session.Cookies[0].Name)
}

func TestAuthenticate_BadPassword(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(plistResponse(t, map[string]interface{}{
			"failureType":     "-5000",
			"customerMessage": "Invalid password.",
		}))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Authenticate(context.Background(), &Session{GUID: "G"}, "user@example.com", "wrong", "")

	var aerr *AuthError
	require.True(t, errors.As(err, &aerr))
	assert.Equal(t, ReasonBadCredentials, aerr.Reason)
	assert.Equal(t, "-5000", aerr.Code)
}

func TestAuthenticate_MissingIdentityFields(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(plistResponse(t, map[string]interface{}{"displayName": "No DSID"}))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).Authenticate(context.Background(), &Session{GUID: "G"}, "user@example.com", "pw", "")

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
}

func TestEnsureLicense_SendsAuthHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "777", r.Header.Get("X-Dsid"))
		assert.Equal(t, "777", r.Header.Get("iCloud-DSID"))
		assert.Equal(t, "tok", r.Header.Get("X-Token"))

		var body map[string]interface{}
		raw, _ := io.ReadAll(r.Body)
		_, err := plist.Unmarshal(raw, &body)
		require.NoError(t, err)

		assert.Equal(t, "STDQ", body["pricingParameters"])
		assert.Equal(t, "361309726", body["salableAdamId"])
		assert.Equal(t, "845068990", body["externalVersionId"])
		assert.Equal(t, "845068990", body["appExtVrsId"])

		_, _ = w.Write(plistResponse(t, map[string]interface{}{"jingleDocType": "purchaseSuccess"}))
	}))
	defer srv.Close()

	session := &Session{GUID: "G", DSID: "777", PasswordToken: "tok"}

	err := testClient(srv.URL).EnsureLicense(context.Background(), session, "361309726", "845068990")
	require.NoError(t, err)
}

func TestEnsureLicense_AlreadyOwnedIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(plistResponse(t, map[string]interface{}{
			"failureType":     "2059",
			"customerMessage": "You've already purchased this item.",
		}))
	}))
	defer srv.Close()

	err := testClient(srv.URL).EnsureLicense(context.Background(), &Session{GUID: "G"}, "1", "")
	require.NoError(t, err)
}

func TestFetchDownloadInfo_ParsesDescriptor(t *testing.T) {
	sinfBytes := []byte{0x00, 0x01, 0x02, 0x03}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(plistResponse(t, map[string]interface{}{
			"songList": []interface{}{
				map[string]interface{}{
					"URL": "https://cdn.example.com/app.ipa",
					"metadata": map[string]interface{}{
						"bundleDisplayName":        "Example",
						"bundleShortVersionString": "2.1.0",
						"softwareVersionBundleId":  "com.example.app",
						"artistName":               "Example Inc.",
					},
					"sinfs": []interface{}{
						map[string]interface{}{"id": int64(0), "sinf": sinfBytes},
						map[string]interface{}{"id": int64(1), "sinf": []byte{0xff}},
					},
				},
			},
		}))
	}))
	defer srv.Close()

	info, err := testClient(srv.URL).FetchDownloadInfo(context.Background(), &Session{GUID: "G", DSID: "1"}, "361309726", "")
	require.NoError(t, err)

	assert.Equal(t, "https://cdn.example.com/app.ipa", info.URL)
	assert.Equal(t, "Example", info.BundleDisplayName())
	assert.Equal(t, "com.example.app", info.BundleID())
	assert.Equal(t, "Example_2.1.0.ipa", info.FileName())

	data, ok := info.Sinf(0)
	require.True(t, ok)
	assert.Equal(t, sinfBytes, data)
}

func TestFetchDownloadInfo_LicenseMissing(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(plistResponse(t, map[string]interface{}{
			"failureType":     "9610",
			"customerMessage": "License not found.",
		}))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchDownloadInfo(context.Background(), &Session{GUID: "G"}, "1", "")

	var lerr *LicenseError
	require.True(t, errors.As(err, &lerr))
}

func TestFetchDownloadInfo_EmptySongList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(plistResponse(t, map[string]interface{}{"songList": []interface{}{}}))
	}))
	defer srv.Close()

	_, err := testClient(srv.URL).FetchDownloadInfo(context.Background(), &Session{GUID: "G"}, "1", "")

	var perr *ProtocolError
	require.True(t, errors.As(err, &perr))
}
