// Package resource tracks external resources (browser sessions, OCR workers,
// model connections) so every one of them is released exactly once on
// shutdown.
package resource

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/webcheck/internal/model"
)

// ErrClosed is returned by Register after ReleaseAll.
var ErrClosed = eris.New("resource: registry closed")

// Kind names the type of external resource.
type Kind string

const (
	KindBrowserSession  Kind = "browser_session"
	KindHTTPClient      Kind = "http_client"
	KindOCRWorker       Kind = "ocr_worker"
	KindModelConnection Kind = "model_connection"
)

// Handle is one registered resource.
type Handle struct {
	ID             string     `json:"id"`
	Role           model.Role `json:"role"`
	Kind           Kind       `json:"kind"`
	Name           string     `json:"name"`
	MemoryEstimate int64      `json:"memory_estimate"`
	AcquiredAt     time.Time  `json:"acquired_at"`

	seq     uint64
	release func() error
	once    sync.Once
	err     error
}

// Release frees the resource. Only the first call runs the release func.
func (h *Handle) Release() error {
	h.once.Do(func() {
		if h.release != nil {
			h.err = h.release()
		}
	})
	return h.err
}

// UsageSource reports live task counts per role.
type UsageSource interface {
	Usage(role model.Role) (active, queued int)
}

// Registry is the process-wide owner of external resources. It is
// constructed by the entry point and passed to whoever acquires resources.
type Registry struct {
	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
	seq     uint64
	usage   UsageSource
	log     *zap.Logger

	releaseOnce sync.Once
	releaseErr  error
}

// NewRegistry creates an empty registry. usage and log may be nil.
func NewRegistry(usage UsageSource, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		handles: make(map[string]*Handle),
		usage:   usage,
		log:     log.With(zap.String("component", "resources")),
	}
}

// Register records a resource and returns its handle. After ReleaseAll the
// resource is released immediately and ErrClosed is returned.
func (r *Registry) Register(role model.Role, kind Kind, name string, memEstimate int64, release func() error) (*Handle, error) {
	h := &Handle{
		ID:             uuid.NewString(),
		Role:           role,
		Kind:           kind,
		Name:           name,
		MemoryEstimate: memEstimate,
		AcquiredAt:     time.Now(),
		release:        release,
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, errors.Join(ErrClosed, h.Release())
	}
	r.seq++
	h.seq = r.seq
	r.handles[h.ID] = h
	r.mu.Unlock()

	r.log.Debug("resource: registered",
		zap.String("role", string(role)),
		zap.String("kind", string(kind)),
		zap.String("name", name),
	)
	return h, nil
}

// Release frees one handle and forgets it.
func (r *Registry) Release(h *Handle) error {
	if h == nil {
		return nil
	}
	r.mu.Lock()
	delete(r.handles, h.ID)
	r.mu.Unlock()
	return h.Release()
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// Handles returns the live handles ordered by acquisition time.
func (r *Registry) Handles() []*Handle {
	r.mu.Lock()
	out := make([]*Handle, 0, len(r.handles))
	for _, h := range r.handles {
		out = append(out, h)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// ReleaseAll closes the registry and releases every live handle in reverse
// acquisition order. It is safe to call concurrently and repeatedly; later
// calls return the first call's result.
func (r *Registry) ReleaseAll() error {
	r.releaseOnce.Do(func() {
		r.mu.Lock()
		r.closed = true
		r.mu.Unlock()

		handles := r.Handles()
		var errs []error
		for i := len(handles) - 1; i >= 0; i-- {
			h := handles[i]
			if err := r.Release(h); err != nil {
				r.log.Warn("resource: release failed",
					zap.String("kind", string(h.Kind)),
					zap.String("name", h.Name),
					zap.Error(err),
				)
				errs = append(errs, eris.Wrapf(err, "resource: release %s %s", h.Kind, h.Name))
			}
		}
		r.log.Info("resource: released all", zap.Int("count", len(handles)))
		r.releaseErr = errors.Join(errs...)
	})
	return r.releaseErr
}

// Snapshot computes resource usage for one role.
func (r *Registry) Snapshot(role model.Role) model.ResourceUsageSnapshot {
	r.mu.Lock()
	usage := r.usage
	snap := model.ResourceUsageSnapshot{Role: role}
	for _, h := range r.handles {
		if h.Role == role {
			snap.Handles++
			snap.MemoryEstimate += h.MemoryEstimate
		}
	}
	r.mu.Unlock()

	if usage != nil {
		snap.ActiveCount, snap.QueuedCount = usage.Usage(role)
	}
	return snap
}

// Snapshots computes usage for every role.
func (r *Registry) Snapshots() []model.ResourceUsageSnapshot {
	out := make([]model.ResourceUsageSnapshot, 0, len(model.AllRoles()))
	for _, role := range model.AllRoles() {
		out = append(out, r.Snapshot(role))
	}
	return out
}
