package appstore

import (
	"context"

	"github.com/appfetch/appfetch/internal/telemetry"
)

// InstrumentedClient wraps Client with telemetry.
type InstrumentedClient struct {
	client    *Client
	telemetry *telemetry.Telemetry
}

// NewInstrumentedClient creates a new instrumented store client.
func NewInstrumentedClient(client *Client, tel *telemetry.Telemetry) *InstrumentedClient {
	return &InstrumentedClient{
		client:    client,
		telemetry: tel,
	}
}

func (c *InstrumentedClient) Authenticate(ctx context.Context, session *Session, email, password, mfa string) (*AuthResult, error) {
	var result *AuthResult

	var err error

	instrumentedErr := c.telemetry.InstrumentStoreOperation(ctx, "authenticate", func(ctx context.Context) error {
		result, err = c.client.Authenticate(ctx, session, email, password, mfa)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}

func (c *InstrumentedClient) EnsureLicense(ctx context.Context, session *Session, productID, versionID string) error {
	return c.telemetry.InstrumentStoreOperation(ctx, "ensure_license", func(ctx context.Context) error {
		return c.client.EnsureLicense(ctx, session, productID, versionID)
	})
}

func (c *InstrumentedClient) FetchDownloadInfo(ctx context.Context, session *Session, productID, versionID string) (*DownloadInfo, error) {
	var result *DownloadInfo

	var err error

	instrumentedErr := c.telemetry.InstrumentStoreOperation(ctx, "fetch_download_info", func(ctx context.Context) error {
		result, err = c.client.FetchDownloadInfo(ctx, session, productID, versionID)

		return err
	})

	if instrumentedErr != nil {
		return nil, instrumentedErr
	}

	return result, nil
}
