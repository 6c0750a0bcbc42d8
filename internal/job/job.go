package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusReady   Status = "ready"
	StatusFailed  Status = "failed"
)

type Stage string

const (
	StageAuth             Stage = "auth"
	StageDownloadStart    Stage = "download-start"
	StageDownloadProgress Stage = "download-progress"
	StageMerge            Stage = "merge"
	StageSign             Stage = "sign"
	StageDone             Stage = "done"
)

// Event is one entry of a job's in-memory log.
type Event struct {
	Stage   Stage                  `json:"stage"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// Job tracks one download pipeline run. All state transitions go through
// the mutating methods below; observers only ever get copies via Snapshot.
type Job struct {
	ID        string
	Email     string
	ProductID string
	VersionID string

	mu            sync.RWMutex
	status        Status
	stage         Stage
	downloaded    int64
	fileSize      int64
	percent       int
	filePath      string
	metadata      map[string]string
	errMessage    string
	needsPurchase bool
	needsReauth   bool
	log           []Event
	createdAt     time.Time
	finishedAt    time.Time
}

func New(email, productID, versionID string) *Job {
	return &Job{
		ID:        uuid.NewString(),
		Email:     email,
		ProductID: productID,
		VersionID: versionID,
		status:    StatusQueued,
		createdAt: time.Now(),
	}
}

// Snapshot is an observer-facing copy of a job's state at one instant.
type Snapshot struct {
	ID            string            `json:"id"`
	Email         string            `json:"email"`
	ProductID     string            `json:"product_id"`
	VersionID     string            `json:"version_id,omitempty"`
	Status        Status            `json:"status"`
	Stage         Stage             `json:"stage,omitempty"`
	Downloaded    int64             `json:"downloaded"`
	FileSize      int64             `json:"file_size"`
	Percent       int               `json:"percent"`
	FilePath      string            `json:"file,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Error         string            `json:"error,omitempty"`
	NeedsPurchase bool              `json:"needs_purchase,omitempty"`
	NeedsReauth   bool              `json:"needs_reauth,omitempty"`
	Log           []Event           `json:"log,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	FinishedAt    time.Time         `json:"finished_at,omitempty"`
}

func (s *Snapshot) Terminal() bool {
	return s.Status == StatusReady || s.Status == StatusFailed
}

func (j *Job) Snapshot() Snapshot {
	j.mu.RLock()
	defer j.mu.RUnlock()

	logCopy := make([]Event, len(j.log))
	copy(logCopy, j.log)

	metaCopy := make(map[string]string, len(j.metadata))
	for k, v := range j.metadata {
		metaCopy[k] = v
	}

	return Snapshot{
		ID:            j.ID,
		Email:         j.Email,
		ProductID:     j.ProductID,
		VersionID:     j.VersionID,
		Status:        j.status,
		Stage:         j.stage,
		Downloaded:    j.downloaded,
		FileSize:      j.fileSize,
		Percent:       j.percent,
		FilePath:      j.filePath,
		Metadata:      metaCopy,
		Error:         j.errMessage,
		NeedsPurchase: j.needsPurchase,
		NeedsReauth:   j.needsReauth,
		Log:           logCopy,
		CreatedAt:     j.createdAt,
		FinishedAt:    j.finishedAt,
	}
}

func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return j.status
}

func (j *Job) Terminal() bool {
	s := j.Status()

	return s == StatusReady || s == StatusFailed
}

func (j *Job) start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = StatusRunning
}

// publish records a sub-stage event. Sub-stages never change top-level
// status.
func (j *Job) publish(stage Stage, payload map[string]interface{}) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.stage = stage
	j.log = append(j.log, Event{Stage: stage, Payload: payload, At: time.Now()})
}

// reportProgress folds a downloader callback into the snapshot. percent is
// already monotonic at the downloader level; the clamp here keeps the
// invariant even if stages interleave.
func (j *Job) reportProgress(downloaded, fileSize int64, percent int) {
	j.mu.Lock()
	defer j.mu.Unlock()

	if percent < j.percent {
		percent = j.percent
	}

	j.stage = StageDownloadProgress
	j.downloaded = downloaded
	j.fileSize = fileSize
	j.percent = percent
}

func (j *Job) setFileSize(size int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.fileSize = size
}

func (j *Job) setMetadata(meta map[string]string) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.metadata = meta
}

func (j *Job) succeed(filePath string, size int64) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = StatusReady
	j.stage = StageDone
	j.filePath = filePath
	j.fileSize = size
	j.downloaded = size
	j.percent = 100
	j.finishedAt = time.Now()
}

func (j *Job) fail(message string, needsPurchase, needsReauth bool) {
	j.mu.Lock()
	defer j.mu.Unlock()

	j.status = StatusFailed
	j.errMessage = message
	j.needsPurchase = needsPurchase
	j.needsReauth = needsReauth
	j.finishedAt = time.Now()
}

// Registry is the concurrent job map. The orchestrator writes entries for
// its own jobs; any number of observers read them.
type Registry struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

func NewRegistry() *Registry {
	return &Registry{jobs: make(map[string]*Job)}
}

func (r *Registry) Add(j *Job) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.jobs[j.ID] = j
}

func (r *Registry) Get(id string) (*Job, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	j, ok := r.jobs[id]

	return j, ok
}

func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.jobs, id)
}

func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.jobs))
	for _, j := range r.jobs {
		out = append(out, j.Snapshot())
	}

	return out
}

// PruneFinished drops terminal jobs older than the retention window.
func (r *Registry) PruneFinished(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	pruned := 0

	for id, j := range r.jobs {
		snap := j.Snapshot()
		if snap.Terminal() && snap.FinishedAt.Before(cutoff) {
			delete(r.jobs, id)
			pruned++
		}
	}

	return pruned
}
