package versions

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookupPrimary(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/apple/app-version/index.php", r.URL.Path)
		assert.Equal(t, "310633997", r.URL.Query().Get("id"))
		assert.Equal(t, "CN", r.URL.Query().Get("country"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[
			{"bundle_version":"2.1.0","external_identifier":860912034,"size":120000,"created_at":"2024-01-02"},
			{"bundle_version":"2.0.0","external_identifier":850000000},
			{"bundle_version":"","external_identifier":1},
			{"bundle_version":"1.0.0","external_identifier":0}
		]}`))
	}))
	defer primary.Close()

	c := NewClient(primary.Client())
	c.primaryBaseURL = primary.URL
	c.fallbackBaseURL = "http://fallback.invalid"

	got, err := c.Lookup(context.Background(), "310633997", "CN")
	require.NoError(t, err)

	// Entries missing a version string or identifier are dropped.
	require.Len(t, got, 2)
	assert.Equal(t, "2.1.0", got[0].BundleVersion)
	assert.Equal(t, int64(860912034), got[0].ExternalIdentifier)
	assert.Equal(t, int64(120000), got[0].Size)
	assert.Equal(t, "2024-01-02", got[0].CreatedAt)
}

func TestLookupFallsBack(t *testing.T) {
	primary := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer primary.Close()

	fallback := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/history/310633997", r.URL.Path)
		assert.Equal(t, "US", r.URL.Query().Get("country"))

		// The fallback index uses different field names.
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"version":"3.0.0","id":"870000001","date":"2024-05-05"}]}`))
	}))
	defer fallback.Close()

	c := NewClient(nil)
	c.primaryBaseURL = primary.URL
	c.fallbackBaseURL = fallback.URL

	got, err := c.Lookup(context.Background(), "310633997", "")
	require.NoError(t, err)

	require.Len(t, got, 1)
	assert.Equal(t, "3.0.0", got[0].BundleVersion)
	assert.Equal(t, int64(870000001), got[0].ExternalIdentifier)
	assert.Equal(t, "2024-05-05", got[0].CreatedAt)
}

func TestLookupBothIndexesDown(t *testing.T) {
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer down.Close()

	c := NewClient(nil)
	c.primaryBaseURL = down.URL
	c.fallbackBaseURL = down.URL

	_, err := c.Lookup(context.Background(), "42", "US")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to look up versions")
}

func TestLookupRejectsMissingData(t *testing.T) {
	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	defer empty.Close()

	c := NewClient(nil)
	c.primaryBaseURL = empty.URL
	c.fallbackBaseURL = empty.URL

	_, err := c.Lookup(context.Background(), "42", "US")
	require.Error(t, err)
}
