// Package versions resolves the historical release list of a store product
// from public version-history indexes.
package versions

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/appfetch/appfetch/internal/logctx"
)

const (
	defaultPrimaryBaseURL  = "https://api.timbrd.com"
	defaultFallbackBaseURL = "https://apis.bilin.eu.org"
)

// Version is one historical release of a product.
type Version struct {
	BundleVersion      string `json:"bundle_version"`
	ExternalIdentifier int64  `json:"external_identifier"`
	Size               int64  `json:"size"`
	CreatedAt          string `json:"created_at"`
}

// Client queries the primary index first and falls back to the secondary
// when the primary is down or returns an unusable document.
type Client struct {
	primaryBaseURL  string
	fallbackBaseURL string
	httpClient      *http.Client
}

func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &Client{
		primaryBaseURL:  defaultPrimaryBaseURL,
		fallbackBaseURL: defaultFallbackBaseURL,
		httpClient:      httpClient,
	}
}

// flexString accepts a JSON string or number.
type flexString string

func (s *flexString) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = flexString(str)

		return nil
	}

	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return err
	}

	*s = flexString(num.String())

	return nil
}

// flexInt accepts a JSON number or a numeric string.
type flexInt int64

func (i *flexInt) UnmarshalJSON(data []byte) error {
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		v, convErr := num.Int64()
		if convErr != nil {
			return convErr
		}

		*i = flexInt(v)

		return nil
	}

	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}

	v, err := json.Number(str).Int64()
	if err != nil {
		return err
	}

	*i = flexInt(v)

	return nil
}

// rawEntry tolerates the field-name differences between the two indexes.
type rawEntry struct {
	BundleVersion      flexString `json:"bundle_version"`
	Version            flexString `json:"version"`
	ExternalIdentifier flexInt    `json:"external_identifier"`
	ID                 flexInt    `json:"id"`
	Size               flexInt    `json:"size"`
	CreatedAt          string     `json:"created_at"`
	Date               string     `json:"date"`
}

type rawDocument struct {
	Data []rawEntry `json:"data"`
}

// Lookup returns the release list for a product, newest data as the index
// reports it. Entries without a version string or identifier are dropped.
func (c *Client) Lookup(ctx context.Context, productID, region string) ([]Version, error) {
	logger := logctx.LoggerFromContext(ctx)

	if region == "" {
		region = "US"
	}

	primary := fmt.Sprintf("%s/apple/app-version/index.php?id=%s&country=%s",
		c.primaryBaseURL, url.QueryEscape(productID), url.QueryEscape(region))

	entries, err := c.fetch(ctx, primary)
	if err == nil {
		return entries, nil
	}

	logger.Warn("primary version index failed, using fallback", "err", err)

	fallback := fmt.Sprintf("%s/history/%s?country=%s",
		c.fallbackBaseURL, url.PathEscape(productID), url.QueryEscape(region))

	entries, err = c.fetch(ctx, fallback)
	if err != nil {
		return nil, fmt.Errorf("failed to look up versions for %s: %w", productID, err)
	}

	return entries, nil
}

func (c *Client) fetch(ctx context.Context, rawURL string) ([]Version, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to query version index: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("version index returned %s", resp.Status)
	}

	var doc rawDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode version index response: %w", err)
	}

	if doc.Data == nil {
		return nil, fmt.Errorf("version index returned no data")
	}

	versions := make([]Version, 0, len(doc.Data))

	for _, e := range doc.Data {
		v := Version{
			BundleVersion:      firstNonEmpty(string(e.BundleVersion), string(e.Version)),
			ExternalIdentifier: firstInt(int64(e.ExternalIdentifier), int64(e.ID)),
			Size:               int64(e.Size),
			CreatedAt:          firstNonEmpty(e.CreatedAt, e.Date),
		}

		if v.BundleVersion == "" || v.ExternalIdentifier == 0 {
			continue
		}

		versions = append(versions, v)
	}

	return versions, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}

	return ""
}

func firstInt(nums ...int64) int64 {
	for _, n := range nums {
		if n != 0 {
			return n
		}
	}

	return 0
}
