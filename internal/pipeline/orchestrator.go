package pipeline

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tradeterm/marketdata/internal/adapters"
	"github.com/tradeterm/marketdata/internal/observ"
)

// StageClient evaluates one step, satisfied by adapters.AnalysisClient.
type StageClient interface {
	RunStage(ctx context.Context, step int, input json.RawMessage, acct *adapters.Account) (json.RawMessage, int64, error)
	AccountInfo(ctx context.Context) (*adapters.Account, error)
	OpenPositions(ctx context.Context) ([]adapters.Position, error)
}

// RunState labels where the most recent run sits in its lifecycle.
type RunState string

const (
	RunIdle     RunState = "idle"
	RunActive   RunState = "running"
	RunComplete RunState = "complete"
	RunFailed   RunState = "failed"
	RunAborted  RunState = "aborted"
)

// RunStatus is a point-in-time view of the most recent run.
type RunStatus struct {
	RunID           string
	State           RunState
	CompletedStages []Stage
	Cancelled       bool
}

// run is one in-flight analysis sequence. A superseded run keeps executing
// until its context check fires, but its results are never published.
type run struct {
	id     string
	ctx    context.Context
	cancel context.CancelFunc
}

// Orchestrator owns the single-run invariant: starting a new run cancels
// whatever run is in flight.
type Orchestrator struct {
	client StageClient

	mu      sync.Mutex
	current *run
	status  RunStatus
	subs    map[uint64]func(StageResult)
	nextID  uint64
}

func New(client StageClient) *Orchestrator {
	return &Orchestrator{
		client: client,
		status: RunStatus{State: RunIdle},
		subs:   make(map[uint64]func(StageResult)),
	}
}

// Status reports the most recent run's identity, completed steps, and
// terminal state. An Orchestrator that has never run reports RunIdle.
func (o *Orchestrator) Status() RunStatus {
	o.mu.Lock()
	defer o.mu.Unlock()
	st := o.status
	st.CompletedStages = append([]Stage(nil), st.CompletedStages...)
	return st
}

// setState records a terminal state for r, unless a newer run took over.
func (o *Orchestrator) setState(r *run, state RunState) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.status.RunID != r.id {
		return
	}
	o.status.State = state
	if state == RunAborted {
		o.status.Cancelled = true
	}
}

// OnResult registers a callback invoked after each completed step. The
// returned disposer is idempotent.
func (o *Orchestrator) OnResult(fn func(StageResult)) (unsubscribe func()) {
	o.mu.Lock()
	o.nextID++
	id := o.nextID
	o.subs[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.subs, id)
		o.mu.Unlock()
	}
}

// Run executes the four steps in order and returns the final step's result.
// A step failure aborts the run with a StageError; later steps never start.
// If the run is cancelled or superseded the error is nil and the result is
// nil, with no partial publication after the cancellation point.
func (o *Orchestrator) Run(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
	r := &run{id: uuid.NewString()}
	r.ctx, r.cancel = context.WithCancel(ctx)
	defer r.cancel()

	o.mu.Lock()
	if o.current != nil {
		o.current.cancel()
	}
	o.current = r
	o.status = RunStatus{RunID: r.id, State: RunActive}
	o.mu.Unlock()

	observ.IncCounter("pipeline_runs_total", nil)
	observ.Log("pipeline_run_start", map[string]any{"run_id": r.id})

	acct, err := o.client.AccountInfo(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return o.aborted(r), nil
		}
		// Account context is advisory; stages run without it.
		observ.Log("pipeline_account_unavailable", map[string]any{
			"run_id": r.id,
			"error":  err.Error(),
		})
		acct = nil
	}
	if acct != nil {
		positions, perr := o.client.OpenPositions(r.ctx)
		if perr != nil {
			if r.ctx.Err() != nil {
				return o.aborted(r), nil
			}
			// Positions are advisory too; stages see the account without them.
			observ.Log("pipeline_positions_unavailable", map[string]any{
				"run_id": r.id,
				"error":  perr.Error(),
			})
		} else {
			acct.Positions = positions
		}
	}

	carry := input
	for stage := StageMarketRegime; stage <= StagePositionSize; stage++ {
		if r.ctx.Err() != nil {
			return o.aborted(r), nil
		}

		start := time.Now()
		result, wireMs, err := o.client.RunStage(r.ctx, int(stage), carry, acct)
		elapsed := time.Since(start)
		observ.RecordDuration("pipeline_stage_latency", elapsed,
			map[string]string{"stage": stage.Name()})

		if err != nil {
			if r.ctx.Err() != nil {
				return o.aborted(r), nil
			}
			observ.IncCounter("pipeline_stage_errors_total",
				map[string]string{"stage": stage.Name()})
			observ.Log("pipeline_stage_failed", map[string]any{
				"run_id": r.id,
				"stage":  int(stage),
				"name":   stage.Name(),
				"error":  err.Error(),
			})
			o.setState(r, RunFailed)
			return nil, &StageError{Stage: stage, Name: stage.Name(), Err: err}
		}

		// The service reports its own evaluation time; fall back to wall
		// time when it omits one.
		durationMs := wireMs
		if durationMs <= 0 {
			durationMs = elapsed.Milliseconds()
		}
		sr := StageResult{
			V:          1,
			RunID:      r.id,
			StepNumber: int(stage),
			StepName:   stage.Name(),
			Result:     result,
			DurationMs: durationMs,
			At:         time.Now().UTC(),
		}
		if !o.publish(r, sr) {
			return nil, nil
		}
		carry = result
	}

	o.setState(r, RunComplete)
	observ.Log("pipeline_run_complete", map[string]any{"run_id": r.id})
	return carry, nil
}

// Cancel aborts the in-flight run, if any.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.current != nil {
		o.current.cancel()
	}
}

// publish delivers one step result, unless this run has been superseded or
// cancelled in the meantime. Returns false when the run should stop.
func (o *Orchestrator) publish(r *run, sr StageResult) bool {
	o.mu.Lock()
	if o.current != r || r.ctx.Err() != nil {
		o.mu.Unlock()
		observ.Log("pipeline_result_suppressed", map[string]any{
			"run_id": r.id,
			"stage":  sr.StepNumber,
		})
		return false
	}
	o.status.CompletedStages = append(o.status.CompletedStages, Stage(sr.StepNumber))
	ids := make([]uint64, 0, len(o.subs))
	for id := range o.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	fns := make([]func(StageResult), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, o.subs[id])
	}
	o.mu.Unlock()

	for _, fn := range fns {
		fn(sr)
	}
	return true
}

func (o *Orchestrator) aborted(r *run) json.RawMessage {
	o.setState(r, RunAborted)
	observ.Log("pipeline_run_aborted", map[string]any{"run_id": r.id})
	return nil
}
