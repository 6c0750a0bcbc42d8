package downloader

import (
	"context"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/appfetch/appfetch/internal/downloader/progress"
	"github.com/appfetch/appfetch/internal/logctx"
	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultChunkSize   = 5 * 1024 * 1024
	DefaultConcurrency = 10

	chunkRetries    = 5
	chunkRetryDelay = 3 * time.Second

	dirPerm = 0755
)

// SizeError means the resource did not report a trustworthy content length.
// The downloader refuses to plan ranges without one.
type SizeError struct {
	URL string
}

func (e *SizeError) Error() string {
	return fmt.Sprintf("unknown or zero content length for %s", e.URL)
}

// Chunk is one planned byte range. Ranges partition [0, totalSize) exactly.
type Chunk struct {
	Index int
	Start int64
	End   int64 // inclusive
	Path  string
}

func (c *Chunk) length() int64 {
	return c.End - c.Start + 1
}

// PlanChunks partitions [0, totalSize) into fixed-size ranges. The final
// chunk is exactly the remainder.
func PlanChunks(totalSize, chunkSize int64, cacheDir string) []Chunk {
	if totalSize <= 0 || chunkSize <= 0 {
		return nil
	}

	numChunks := int((totalSize + chunkSize - 1) / chunkSize)
	chunks := make([]Chunk, 0, numChunks)

	for i := 0; i < numChunks; i++ {
		start := int64(i) * chunkSize
		end := start + chunkSize - 1

		if end > totalSize-1 {
			end = totalSize - 1
		}

		chunks = append(chunks, Chunk{
			Index: i,
			Start: start,
			End:   end,
			Path:  filepath.Join(cacheDir, fmt.Sprintf("part%d", i)),
		})
	}

	return chunks
}

// Events are the per-download observation hooks. All fields are optional.
type Events struct {
	// Progress fires after each chunk completes. percent is monotonically
	// non-decreasing regardless of chunk completion order.
	Progress func(downloaded, total int64, percent int)
	// Merging fires once, before chunk reassembly starts.
	Merging func()
}

// ChunkMetrics counts chunk fetch outcomes.
type ChunkMetrics interface {
	RecordChunk(status string)
}

// Chunked downloads a content-length-known resource in fixed-size byte
// ranges with bounded concurrency and reassembles it deterministically.
type Chunked struct {
	client      *http.Client
	chunkSize   int64
	concurrency int
	retryDelay  time.Duration

	// Metrics is optional.
	Metrics ChunkMetrics
}

// NewChunked creates a downloader. Zero chunkSize/concurrency select the
// defaults. The client should use a keep-alive transport; every wave opens
// up to `concurrency` connections against the same host.
func NewChunked(client *http.Client, chunkSize int64, concurrency int) *Chunked {
	if client == nil {
		client = http.DefaultClient
	}

	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	return &Chunked{
		client:      client,
		chunkSize:   chunkSize,
		concurrency: concurrency,
		retryDelay:  chunkRetryDelay,
	}
}

// NumChunks reports how many ranges a resource of the given size needs.
func (d *Chunked) NumChunks(totalSize int64) int {
	if totalSize <= 0 {
		return 0
	}

	return int((totalSize + d.chunkSize - 1) / d.chunkSize)
}

// ProbeSize fetches the resource's content length without consuming the
// body. A missing or non-positive length is a SizeError.
func (d *Chunked) ProbeSize(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create probe request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to probe resource: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to probe resource: %s", resp.Status)
	}

	if resp.ContentLength <= 0 {
		return 0, &SizeError{URL: url}
	}

	return resp.ContentLength, nil
}

// Download fetches the resource into destPath. Ranges are processed in
// waves of `concurrency`; a wave must fully complete before the next one
// starts, which bounds open connections and temp-file count. Temp artifacts
// live next to the destination and are removed on success and on failure.
func (d *Chunked) Download(ctx context.Context, url string, totalSize int64, destPath string, ev Events) error {
	logger := logctx.LoggerFromContext(ctx)

	if totalSize <= 0 {
		return &SizeError{URL: url}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), dirPerm); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}

	cacheDir, err := os.MkdirTemp(filepath.Dir(destPath), ".chunks-")
	if err != nil {
		return fmt.Errorf("failed to create chunk cache: %w", err)
	}

	defer os.RemoveAll(cacheDir)

	chunks := PlanChunks(totalSize, d.chunkSize, cacheDir)

	logger.Info("starting chunked download",
		"url", url,
		"file_size", humanize.Bytes(uint64(totalSize)),
		"chunk_count", len(chunks),
		"concurrency", d.concurrency,
	)

	var downloaded int64

	var reportMu sync.Mutex

	lastPercent := 0

	report := func(done int64) {
		if ev.Progress == nil {
			return
		}

		reportMu.Lock()
		defer reportMu.Unlock()

		percent := int(math.Round(float64(done) * 100 / float64(totalSize)))
		if percent > 100 {
			percent = 100
		}

		if percent < lastPercent {
			percent = lastPercent
		}

		lastPercent = percent
		ev.Progress(done, totalSize, percent)
	}

	for waveStart := 0; waveStart < len(chunks); waveStart += d.concurrency {
		waveEnd := waveStart + d.concurrency
		if waveEnd > len(chunks) {
			waveEnd = len(chunks)
		}

		g, gctx := errgroup.WithContext(ctx)

		for i := waveStart; i < waveEnd; i++ {
			chunk := &chunks[i]

			g.Go(func() error {
				n, err := d.fetchChunk(gctx, url, chunk)
				if err != nil {
					return err
				}

				report(atomic.AddInt64(&downloaded, n))

				return nil
			})
		}

		if err := g.Wait(); err != nil {
			return fmt.Errorf("failed to download chunks: %w", err)
		}
	}

	// A short read on the final range is tolerated above, but the chunks
	// together must account for every byte.
	if got := atomic.LoadInt64(&downloaded); got != totalSize {
		return fmt.Errorf("incomplete download: got %d of %d bytes", got, totalSize)
	}

	if ev.Merging != nil {
		ev.Merging()
	}

	if err := mergeChunks(chunks, destPath); err != nil {
		// Never leave a partially merged file behind.
		_ = os.Remove(destPath)

		return err
	}

	logger.Info("download complete", "target", destPath, "size", humanize.Bytes(uint64(totalSize)))

	return nil
}

// fetchChunk retrieves one range, retrying with a fixed delay before the
// whole download is considered failed.
func (d *Chunked) fetchChunk(ctx context.Context, url string, chunk *Chunk) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	var lastErr error

	for attempt := 0; attempt < chunkRetries; attempt++ {
		n, err := d.tryChunk(ctx, url, chunk)
		if err == nil {
			d.recordChunk("success")

			return n, nil
		}

		d.recordChunk("error")

		lastErr = err

		if ctx.Err() != nil {
			break
		}

		if attempt < chunkRetries-1 {
			logger.Warn("chunk fetch failed, retrying",
				"chunk", chunk.Index, "attempt", attempt+1, "err", err)

			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(d.retryDelay):
			}
		}
	}

	return 0, fmt.Errorf("chunk %d failed after %d attempts: %w", chunk.Index, chunkRetries, lastErr)
}

func (d *Chunked) recordChunk(status string) {
	if d.Metrics != nil {
		d.Metrics.RecordChunk(status)
	}
}

func (d *Chunked) tryChunk(ctx context.Context, url string, chunk *Chunk) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create range request: %w", err)
	}

	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", chunk.Start, chunk.End))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to fetch range: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("failed to fetch range: %s", resp.Status)
	}

	out, err := os.Create(chunk.Path)
	if err != nil {
		return 0, fmt.Errorf("failed to create chunk file: %w", err)
	}

	defer out.Close()

	progressCb := func(written, total int64) {
		logger.Debug("chunk progress",
			"chunk", chunk.Index,
			"written", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(total)))
	}
	pr := progress.NewReader(io.LimitReader(resp.Body, chunk.length()), chunk.length(), 1024*1024, progressCb)

	n, err := io.Copy(out, pr)
	if err != nil {
		return 0, fmt.Errorf("failed to write chunk: %w", err)
	}

	if n > chunk.length() {
		return 0, fmt.Errorf("chunk %d overran its range: got %d bytes", chunk.Index, n)
	}

	return n, nil
}

// mergeChunks concatenates the part files in ascending index order. Output
// bytes depend only on the index order, never on completion order.
func mergeChunks(chunks []Chunk, destPath string) error {
	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("failed to create merged file: %w", err)
	}

	defer out.Close()

	for i := range chunks {
		in, err := os.Open(chunks[i].Path)
		if err != nil {
			return fmt.Errorf("failed to open chunk %d: %w", i, err)
		}

		_, err = io.Copy(out, in)
		in.Close()

		if err != nil {
			return fmt.Errorf("failed to merge chunk %d: %w", i, err)
		}

		_ = os.Remove(chunks[i].Path)
	}

	return nil
}
