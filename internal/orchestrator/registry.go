package orchestrator

import (
	"errors"
	"sync"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/runcontrol"
	"github.com/Marcux777/kairos-alloy-sub000/pkg/types"
)

// RunStatus is the lifecycle state of a run
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusCancelled RunStatus = "cancelled"
	StatusFailed    RunStatus = "failed"
)

var (
	ErrRunNotFound = errors.New("run not found")
	ErrRunExists   = errors.New("run already registered")
)

// RunInfo is a point-in-time view of a run
type RunInfo struct {
	ID         string              `json:"id"`
	Mode       Mode                `json:"mode"`
	Status     RunStatus           `json:"status"`
	Control    runcontrol.State    `json:"control"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt *time.Time          `json:"finished_at,omitempty"`
	Progress   *types.BarProgress  `json:"progress,omitempty"`
	Stream     *types.StreamStatus `json:"stream,omitempty"`
	Summary    *types.Summary      `json:"summary,omitempty"`
	ResultDir  string              `json:"result_dir,omitempty"`
	Error      string              `json:"error,omitempty"`
}

type runRecord struct {
	control *runcontrol.Controller

	mu   sync.Mutex
	info RunInfo
}

func (r *runRecord) setProgress(p types.BarProgress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Progress = &p
}

func (r *runRecord) setStream(s types.StreamStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.info.Stream = &s
}

func (r *runRecord) finish(status RunStatus, dir string, summary *types.Summary, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	r.info.Status = status
	r.info.FinishedAt = &now
	r.info.ResultDir = dir
	if summary != nil {
		s := *summary
		r.info.Summary = &s
	}
	if err != nil {
		r.info.Error = err.Error()
	}
}

func (r *runRecord) snapshot() RunInfo {
	r.mu.Lock()
	info := r.info
	r.mu.Unlock()

	info.Control = r.control.State()
	return info
}

// Registry tracks runs by id in start order
type Registry struct {
	mu    sync.RWMutex
	runs  map[string]*runRecord
	order []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{runs: make(map[string]*runRecord)}
}

func (r *Registry) register(id string, mode Mode, control *runcontrol.Controller) (*runRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.runs[id]; ok {
		return nil, ErrRunExists
	}
	rec := &runRecord{
		control: control,
		info: RunInfo{
			ID:        id,
			Mode:      mode,
			Status:    StatusRunning,
			StartedAt: time.Now().UTC(),
		},
	}
	r.runs[id] = rec
	r.order = append(r.order, id)
	return rec, nil
}

// Get returns a run by id
func (r *Registry) Get(id string) (RunInfo, bool) {
	r.mu.RLock()
	rec, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return RunInfo{}, false
	}
	return rec.snapshot(), true
}

// List returns every run, oldest first
func (r *Registry) List() []RunInfo {
	r.mu.RLock()
	recs := make([]*runRecord, 0, len(r.order))
	for _, id := range r.order {
		recs = append(recs, r.runs[id])
	}
	r.mu.RUnlock()

	out := make([]RunInfo, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.snapshot())
	}
	return out
}

// Control returns the controller of a run
func (r *Registry) Control(id string) (*runcontrol.Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.runs[id]
	if !ok {
		return nil, false
	}
	return rec.control, true
}
