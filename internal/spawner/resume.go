package spawner

import (
	"context"
	"encoding/json"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/cawhq/caw/internal/core"
	"github.com/cawhq/caw/internal/service"
)

// ResumeReport lists what ResumeWorkflows did.
type ResumeReport struct {
	Resumed []string          `json:"resumed,omitempty"`
	Skipped map[string]string `json:"skipped,omitempty"` // workflow id → reason
}

// ResumeWorkflows re-attaches to workflows left in_progress by a
// previous daemon. Each not-already-registered workflow with a
// persisted spawner config gets a detached runner. Starts run in
// parallel; failures are reported per workflow, not fatal.
func (r *Registry) ResumeWorkflows(ctx context.Context) (*ResumeReport, error) {
	workflows, err := r.svc.Workflows.List(ctx, service.ListWorkflowsFilter{
		Status: core.WorkflowStatusInProgress,
	})
	if err != nil {
		return nil, err
	}

	report := &ResumeReport{Skipped: make(map[string]string)}
	type candidate struct {
		id  string
		cfg PoolConfig
	}
	var candidates []candidate

	for _, wf := range workflows {
		if r.Has(wf.ID) {
			report.Skipped[wf.ID] = "spawner already registered"
			continue
		}
		if wf.Config == "" {
			report.Skipped[wf.ID] = "no persisted spawner config"
			continue
		}
		var cfg PoolConfig
		if err := json.Unmarshal([]byte(wf.Config), &cfg); err != nil {
			report.Skipped[wf.ID] = "unparseable spawner config"
			continue
		}
		candidates = append(candidates, candidate{id: wf.ID, cfg: cfg})
	}

	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	for _, c := range candidates {
		c := c
		g.Go(func() error {
			s := r.GetOrCreate(c.id, c.cfg)
			_, err := NewRunner(s).Run(ctx, RunOptions{Detach: true})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Skipped[c.id] = err.Error()
				r.Remove(c.id)
			} else {
				report.Resumed = append(report.Resumed, c.id)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return report, err
	}
	r.log.Info("workflow resume complete",
		"resumed", len(report.Resumed), "skipped", len(report.Skipped))
	return report, nil
}
