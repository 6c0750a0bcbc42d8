package job

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/appfetch/appfetch/internal/appstore"
	"github.com/appfetch/appfetch/internal/downloader"
	"github.com/appfetch/appfetch/internal/logctx"
)

// StoreClient is the vendor protocol surface the orchestrator drives.
type StoreClient interface {
	EnsureLicense(ctx context.Context, session *appstore.Session, productID, versionID string) error
	FetchDownloadInfo(ctx context.Context, session *appstore.Session, productID, versionID string) (*appstore.DownloadInfo, error)
}

// Downloader fetches a sized resource into a local file.
type Downloader interface {
	ProbeSize(ctx context.Context, url string) (int64, error)
	NumChunks(totalSize int64) int
	Download(ctx context.Context, url string, totalSize int64, destPath string, ev downloader.Events) error
}

// Signer activates a downloaded package for the requesting account.
type Signer interface {
	Sign(ipaPath string, info *appstore.DownloadInfo, accountEmail string) error
}

// Metrics is the optional instrumentation hook for job lifecycle.
type Metrics interface {
	JobStarted(ctx context.Context)
	JobFinished(ctx context.Context, status string, elapsed time.Duration)
}

// Request describes one download run. Session is owned by the caller; the
// orchestrator uses it for the duration of the job, so concurrent jobs on
// the same account must pass the same Lock to serialize.
type Request struct {
	Session      *appstore.Session
	Email        string
	ProductID    string
	VersionID    string
	DestDir      string
	AutoPurchase bool

	// Reauth re-authenticates the session with cached credentials. Nil
	// means the caller cannot refresh and session expiry is terminal.
	Reauth func(ctx context.Context) error

	// Lock serializes jobs that share an account. Optional.
	Lock sync.Locker
}

// Orchestrator sequences license check, descriptor fetch, chunked download
// and signing, publishing progress into the job registry as it goes.
type Orchestrator struct {
	store    StoreClient
	dl       Downloader
	signer   Signer
	registry *Registry
	metrics  Metrics

	// OnJobFinished and OnJobFailed receive terminal jobs. Consumers must
	// drain them; sends never block the pipeline.
	OnJobFinished chan Snapshot
	OnJobFailed   chan Snapshot
}

func NewOrchestrator(store StoreClient, dl Downloader, signer Signer, registry *Registry, metrics Metrics) *Orchestrator {
	return &Orchestrator{
		store:         store,
		dl:            dl,
		signer:        signer,
		registry:      registry,
		metrics:       metrics,
		OnJobFinished: make(chan Snapshot, 16),
		OnJobFailed:   make(chan Snapshot, 16),
	}
}

func (o *Orchestrator) Registry() *Registry {
	return o.registry
}

// Start enqueues a job and launches its orchestration goroutine. The job
// runs to a terminal state regardless of whether anyone observes it; the
// caller owns ctx and should hand in the server's base context, not a
// request-scoped one.
func (o *Orchestrator) Start(ctx context.Context, req Request) *Job {
	j := New(req.Email, req.ProductID, req.VersionID)
	o.registry.Add(j)

	logger := logctx.LoggerFromContext(ctx).With("job_id", j.ID, "product_id", req.ProductID)
	ctx = logctx.WithLogger(ctx, logger)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("job panicked", "panic", r)
				j.fail(fmt.Sprintf("internal error: %v", r), false, false)
				o.notify(j)
			}
		}()

		o.run(ctx, j, req)
	}()

	return j
}

func (o *Orchestrator) run(ctx context.Context, j *Job, req Request) {
	logger := logctx.LoggerFromContext(ctx)

	if req.Lock != nil {
		req.Lock.Lock()
		defer req.Lock.Unlock()
	}

	started := time.Now()

	j.start()

	if o.metrics != nil {
		o.metrics.JobStarted(ctx)
	}

	defer func() {
		if o.metrics != nil {
			o.metrics.JobFinished(ctx, string(j.Status()), time.Since(started))
		}
	}()

	j.publish(StageAuth, map[string]interface{}{"message": "resolving download descriptor"})

	info, err := o.fetchDescriptor(ctx, j, req)
	if err != nil {
		o.failJob(ctx, j, err)

		return
	}

	j.setMetadata(map[string]string{
		"bundleDisplayName": info.BundleDisplayName(),
		"version":           info.BundleShortVersion(),
		"bundleId":          info.BundleID(),
		"artworkUrl":        info.ArtworkURL(),
		"artistName":        info.ArtistName(),
	})

	size, err := o.dl.ProbeSize(ctx, info.URL)
	if err != nil {
		o.failJob(ctx, j, err)

		return
	}

	j.setFileSize(size)
	j.publish(StageDownloadStart, map[string]interface{}{
		"fileSize":  size,
		"numChunks": o.dl.NumChunks(size),
	})

	destPath := filepath.Join(req.DestDir, info.FileName())

	ev := downloader.Events{
		Progress: func(downloaded, total int64, percent int) {
			j.reportProgress(downloaded, total, percent)
		},
		Merging: func() {
			j.publish(StageMerge, nil)
		},
	}

	if err := o.dl.Download(ctx, info.URL, size, destPath, ev); err != nil {
		o.failJob(ctx, j, err)

		return
	}

	j.publish(StageSign, nil)

	if err := o.signer.Sign(destPath, info, req.Email); err != nil {
		// A structurally wrong archive is useless; do not leave it behind.
		_ = os.Remove(destPath)
		o.failJob(ctx, j, err)

		return
	}

	finalSize := size
	if st, err := os.Stat(destPath); err == nil {
		finalSize = st.Size()
	}

	j.succeed(destPath, finalSize)
	j.publish(StageDone, map[string]interface{}{"file": destPath})

	logger.Info("job ready", "file", destPath)

	o.notify(j)
}

// fetchDescriptor fetches the download descriptor with the two bounded
// recovery policies: exactly one re-authentication on session expiry, and
// exactly one license grant plus one refetch when auto purchase is on.
func (o *Orchestrator) fetchDescriptor(ctx context.Context, j *Job, req Request) (*appstore.DownloadInfo, error) {
	logger := logctx.LoggerFromContext(ctx)

	reauthed := false
	purchased := false

	for {
		info, err := o.store.FetchDownloadInfo(ctx, req.Session, req.ProductID, req.VersionID)
		if err == nil {
			return info, nil
		}

		var sessionErr *appstore.SessionError
		if errors.As(err, &sessionErr) {
			if reauthed || req.Reauth == nil {
				return nil, err
			}

			if reauthErr := o.refreshSession(ctx, j, req); reauthErr != nil {
				return nil, reauthErr
			}

			reauthed = true

			continue
		}

		var licenseErr *appstore.LicenseError
		if errors.As(err, &licenseErr) {
			if purchased || !req.AutoPurchase {
				return nil, err
			}

			logger.Info("license missing, acquiring")
			j.publish(StageAuth, map[string]interface{}{"message": "acquiring license"})

			buyErr := o.store.EnsureLicense(ctx, req.Session, req.ProductID, req.VersionID)

			// The grant consumes the same single reauth budget as the
			// descriptor fetch.
			if buyErr != nil && errors.As(buyErr, &sessionErr) && !reauthed && req.Reauth != nil {
				if reauthErr := o.refreshSession(ctx, j, req); reauthErr != nil {
					return nil, reauthErr
				}

				reauthed = true
				buyErr = o.store.EnsureLicense(ctx, req.Session, req.ProductID, req.VersionID)
			}

			if buyErr != nil {
				return nil, buyErr
			}

			purchased = true

			continue
		}

		return nil, err
	}
}

// refreshSession performs the one allowed mid-job re-authentication.
func (o *Orchestrator) refreshSession(ctx context.Context, j *Job, req Request) error {
	logctx.LoggerFromContext(ctx).Info("session expired, re-authenticating")
	j.publish(StageAuth, map[string]interface{}{"message": "session expired, re-authenticating"})

	return req.Reauth(ctx)
}

func (o *Orchestrator) failJob(ctx context.Context, j *Job, err error) {
	logger := logctx.LoggerFromContext(ctx)
	logger.Error("job failed", "err", err)

	var (
		licenseErr *appstore.LicenseError
		sessionErr *appstore.SessionError
	)

	j.fail(err.Error(), errors.As(err, &licenseErr), errors.As(err, &sessionErr))
	o.notify(j)
}

func (o *Orchestrator) notify(j *Job) {
	snap := j.Snapshot()

	var ch chan Snapshot
	if snap.Status == StatusReady {
		ch = o.OnJobFinished
	} else {
		ch = o.OnJobFailed
	}

	select {
	case ch <- snap:
	default:
	}
}
