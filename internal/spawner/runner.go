package spawner

import (
	"context"
	"fmt"
	"sync"
)

// OutcomeKind tags the terminal result of a workflow run.
type OutcomeKind string

const (
	OutcomeCompleted     OutcomeKind = "completed"
	OutcomeAwaitingMerge OutcomeKind = "awaiting_merge"
	OutcomeFailed        OutcomeKind = "failed"
	OutcomeStalled       OutcomeKind = "stalled"
	OutcomeDetached      OutcomeKind = "detached"
)

// Outcome is the tagged result returned by Runner.Run.
type Outcome struct {
	Kind   OutcomeKind `json:"kind"`
	PRURLs []string    `json:"pr_urls,omitempty"`
	Error  string      `json:"error,omitempty"`
	Reason string      `json:"reason,omitempty"`
}

// Reporter receives progress callbacks during a run. Nil fields are
// skipped.
type Reporter struct {
	OnEvent func(Event)
}

// RunOptions tunes one Runner.Run call.
type RunOptions struct {
	// Detach returns immediately after start instead of awaiting a
	// terminal event.
	Detach bool
	// Reporter receives every spawner event.
	Reporter Reporter
	// PostCompletion runs before shutdown when the workflow ends in
	// awaiting_merge.
	PostCompletion func(prURLs []string)
}

// Runner is a thin facade over a spawner: it wires a reporter, awaits a
// single terminal event and returns a tagged outcome.
type Runner struct {
	spawner *Spawner
}

// NewRunner wraps a spawner.
func NewRunner(s *Spawner) *Runner {
	return &Runner{spawner: s}
}

// Run starts the workflow and blocks until a terminal event unless
// opts.Detach is set. The terminal event resolves exactly once.
func (r *Runner) Run(ctx context.Context, opts RunOptions) (*Outcome, error) {
	var once sync.Once
	terminal := make(chan Outcome, 1)
	resolve := func(o Outcome) {
		once.Do(func() { terminal <- o })
	}

	r.spawner.Events().OnAll(func(ev Event) {
		if opts.Reporter.OnEvent != nil {
			opts.Reporter.OnEvent(ev)
		}
		switch ev.Kind {
		case EventWorkflowAllComplete:
			resolve(Outcome{Kind: OutcomeCompleted})
		case EventWorkflowAwaitingMerge:
			resolve(Outcome{Kind: OutcomeAwaitingMerge, PRURLs: ev.PRURLs})
		case EventWorkflowFailed:
			resolve(Outcome{Kind: OutcomeFailed, Error: ev.Message})
		case EventWorkflowStalled:
			resolve(Outcome{Kind: OutcomeStalled, Reason: ev.Message})
		}
	})

	if err := r.spawner.Start(ctx); err != nil {
		return nil, err
	}
	if opts.Detach {
		return &Outcome{Kind: OutcomeDetached}, nil
	}

	select {
	case <-ctx.Done():
		r.spawner.Shutdown(context.Background())
		return nil, fmt.Errorf("run cancelled: %w", ctx.Err())
	case outcome := <-terminal:
		if outcome.Kind == OutcomeAwaitingMerge && opts.PostCompletion != nil {
			opts.PostCompletion(outcome.PRURLs)
		}
		r.spawner.Shutdown(ctx)
		return &outcome, nil
	}
}
