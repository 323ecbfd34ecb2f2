package spawner

import (
	"context"
	"fmt"
	"sync"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/logging"
	"github.com/cawhq/caw/internal/service"
)

// Registry enforces one spawner per workflow per process. It is
// dependency-injected rather than process-global so tests can run
// isolated instances side by side.
type Registry struct {
	svc    *service.Services
	runner ChildRunner
	log    *logging.Logger

	mu sync.Mutex
	m  map[string]*Spawner
}

// NewRegistry creates an empty registry. runner is used for every
// spawner the registry creates.
func NewRegistry(svc *service.Services, runner ChildRunner, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewNop()
	}
	return &Registry{
		svc:    svc,
		runner: runner,
		log:    log,
		m:      make(map[string]*Spawner),
	}
}

// GetOrCreate returns the registered spawner for the workflow, creating
// one with cfg if absent.
func (r *Registry) GetOrCreate(workflowID string, cfg PoolConfig) *Spawner {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.m[workflowID]; ok {
		return s
	}
	s := New(workflowID, r.svc, r.runner, cfg, r.log)
	r.m[workflowID] = s
	return s
}

// Get returns the registered spawner or a NOT_RUNNING error.
func (r *Registry) Get(workflowID string) (*Spawner, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.m[workflowID]
	if !ok {
		return nil, core.NewToolError(core.CodeNotRunning,
			fmt.Sprintf("no spawner registered for workflow %s", workflowID), false)
	}
	return s, nil
}

// Remove drops a workflow's spawner from the registry.
func (r *Registry) Remove(workflowID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, workflowID)
}

// Has reports whether a spawner is registered for the workflow.
func (r *Registry) Has(workflowID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.m[workflowID]
	return ok
}

// List returns the registered workflow ids.
func (r *Registry) List() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.m))
	for id := range r.m {
		ids = append(ids, id)
	}
	return ids
}

// ShutdownAll shuts down every registered spawner.
func (r *Registry) ShutdownAll() {
	r.mu.Lock()
	spawners := make([]*Spawner, 0, len(r.m))
	for _, s := range r.m {
		spawners = append(spawners, s)
	}
	r.m = make(map[string]*Spawner)
	r.mu.Unlock()

	for _, s := range spawners {
		s.Shutdown(context.Background())
	}
}
