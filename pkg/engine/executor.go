package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrane-dev/terrane/pkg/telemetry"
)

// DefaultParallelism is the worker count used when none is configured.
const DefaultParallelism = 10

// Persister receives every terminal step result together with the snapshot
// as mutated by that result. Implementations must make the entry durable
// before returning; the executor calls it from a single goroutine.
type Persister interface {
	PersistResult(ctx context.Context, runID string, snap *Snapshot, result StepResult) error
}

// PersisterFunc adapts a function to the Persister interface.
type PersisterFunc func(ctx context.Context, runID string, snap *Snapshot, result StepResult) error

// PersistResult implements Persister.
func (f PersisterFunc) PersistResult(ctx context.Context, runID string, snap *Snapshot, result StepResult) error {
	return f(ctx, runID, snap, result)
}

// EventSink receives engine events as they happen. May be nil.
type EventSink func(Event)

// ExecutorOptions configures an Executor.
type ExecutorOptions struct {
	// Parallelism bounds the number of concurrently executing steps.
	// Zero means DefaultParallelism.
	Parallelism int

	// Logger receives execution logs. Nil means no logging.
	Logger *telemetry.Logger

	// Metrics receives step and provider metrics. May be nil.
	Metrics *telemetry.Metrics

	// Tracer produces spans around steps and provider calls. May be nil.
	Tracer *telemetry.Tracer

	// Events receives engine events. May be nil.
	Events EventSink
}

// Executor applies a plan by dispatching ready steps to a bounded worker
// pool. A step is ready once every step it depends on has applied
// successfully. A failed step causes all its transitive dependents to be
// skipped while independent subtrees keep executing. Every terminal result
// is persisted immediately through the single persistence path.
type Executor struct {
	registry  *Registry
	persister Persister
	opts      ExecutorOptions
	logger    *telemetry.Logger

	mu sync.RWMutex
}

// NewExecutor creates an executor. The persister may be nil, in which case
// results are only reflected in the in-memory snapshot.
func NewExecutor(registry *Registry, persister Persister, opts ExecutorOptions) *Executor {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.Nop()
	}
	return &Executor{
		registry:  registry,
		persister: persister,
		opts:      opts,
		logger:    logger.NewComponentLogger("executor"),
	}
}

// stepOutcome travels from a worker back to the dispatch loop.
type stepOutcome struct {
	step    *PlanStep
	status  StepStatus
	outputs map[string]any
	attrs   map[string]any
	err     error
	started time.Time
	ended   time.Time
}

// Apply executes the plan against the snapshot. The snapshot is mutated in
// place as steps complete and the graph, which may be nil for destroy-only
// plans, supplies recorded dependencies for new node records.
//
// Cancelling the context stops dispatching new steps; steps already running
// finish and their results are persisted. Apply returns the run record and
// a PartialApplyError when any step failed or was skipped.
func (e *Executor) Apply(ctx context.Context, plan *Plan, g *Graph, snap *Snapshot) (*Run, error) {
	if plan == nil {
		return nil, NewValidationError("plan is nil", nil)
	}
	if !plan.consume() {
		return nil, NewValidationError("plan has already been executed", nil).
			WithCode(ErrCodePlanConsumed)
	}
	if snap == nil {
		return nil, NewValidationError("snapshot is nil", nil)
	}

	run := &Run{
		ID:        uuid.New().String(),
		PlanID:    plan.ID,
		Status:    RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	logger := e.logger.WithRunID(run.ID)
	logger.Infof("starting apply: %d step(s), parallelism %d", len(plan.Steps), e.parallelism())
	e.emit(Event{Type: EventRunStarted, RunID: run.ID, Timestamp: run.StartedAt})

	if len(plan.Steps) == 0 {
		run.Status = RunStatusSucceeded
		run.FinishedAt = time.Now().UTC()
		e.emit(Event{Type: EventRunFinished, RunID: run.ID, Timestamp: run.FinishedAt})
		return run, nil
	}

	// Dependency bookkeeping for frontier dispatch.
	byID := make(map[string]*PlanStep, len(plan.Steps))
	for _, s := range plan.Steps {
		byID[s.ID] = s
	}
	waiting := make(map[string]int, len(plan.Steps))
	dependents := make(map[string][]string, len(plan.Steps))
	for _, s := range plan.Steps {
		waiting[s.ID] = len(s.DependsOn)
		for _, dep := range s.DependsOn {
			dependents[dep] = append(dependents[dep], s.ID)
		}
	}

	workers := e.parallelism()
	if workers > len(plan.Steps) {
		workers = len(plan.Steps)
	}

	tasks := make(chan *PlanStep, len(plan.Steps))
	outcomes := make(chan stepOutcome, len(plan.Steps))

	// In-flight provider calls run to completion after cancellation, so
	// workers execute against a context detached from cancel.
	workCtx := context.WithoutCancel(ctx)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for step := range tasks {
				outcomes <- e.runStep(workCtx, run.ID, step, snap)
			}
		}()
	}

	dispatched := 0
	cancelled := false
	dispatch := func(s *PlanStep) {
		dispatched++
		tasks <- s
	}
	for _, s := range plan.Steps {
		if waiting[s.ID] == 0 {
			dispatch(s)
		}
	}

	status := make(map[string]StepStatus, len(plan.Steps))
	terminal := 0
	completedDispatched := 0
	inFlight := func() int { return dispatched - completedDispatched }

	// skipCascade marks every transitive dependent of a non-successful
	// step as skipped, records results, and persists them.
	var skipCascade func(stepID string)
	skipCascade = func(stepID string) {
		for _, depID := range dependents[stepID] {
			if _, done := status[depID]; done {
				continue
			}
			dep := byID[depID]
			status[depID] = StepStatusSkipped
			terminal++
			now := time.Now().UTC()
			result := StepResult{
				StepID:     dep.ID,
				NodeID:     dep.NodeID,
				Action:     dep.Action,
				Status:     StepStatusSkipped,
				Error:      fmt.Sprintf("dependency of %s did not complete", dep.NodeID),
				StartedAt:  now,
				FinishedAt: now,
			}
			run.Results = append(run.Results, result)
			e.persist(workCtx, run.ID, snap, result, logger)
			e.opts.Metrics.RecordStepExecution(string(dep.Action), string(StepStatusSkipped), 0)
			e.emit(Event{Type: EventStepSkipped, RunID: run.ID, NodeID: dep.NodeID, Timestamp: now})
			logger.WithNodeID(dep.NodeID).Warn("skipping step: dependency did not complete")
			skipCascade(depID)
		}
	}

	for terminal < len(plan.Steps) {
		if !cancelled {
			select {
			case <-ctx.Done():
				cancelled = true
				logger.Warn("cancellation requested, waiting for in-flight steps")
			default:
			}
		}

		if cancelled && inFlight() == 0 {
			// Nothing is running and nothing more will be dispatched.
			// Mark every remaining step skipped.
			for _, s := range plan.Steps {
				if _, done := status[s.ID]; done {
					continue
				}
				status[s.ID] = StepStatusSkipped
				terminal++
				now := time.Now().UTC()
				result := StepResult{
					StepID:     s.ID,
					NodeID:     s.NodeID,
					Action:     s.Action,
					Status:     StepStatusSkipped,
					Error:      "run cancelled",
					StartedAt:  now,
					FinishedAt: now,
				}
				run.Results = append(run.Results, result)
				e.persist(workCtx, run.ID, snap, result, logger)
				e.emit(Event{Type: EventStepSkipped, RunID: run.ID, NodeID: s.NodeID, Timestamp: now})
			}
			break
		}

		outcome := <-outcomes
		step := outcome.step
		status[step.ID] = outcome.status
		terminal++
		completedDispatched++

		result := StepResult{
			StepID:     step.ID,
			NodeID:     step.NodeID,
			Action:     step.Action,
			Status:     outcome.status,
			Outputs:    outcome.outputs,
			StartedAt:  outcome.started,
			FinishedAt: outcome.ended,
		}
		if outcome.err != nil {
			result.Error = outcome.err.Error()
		}

		e.applyOutcome(step, outcome, snap, g)
		run.Results = append(run.Results, result)
		e.persist(workCtx, run.ID, snap, result, logger)
		e.opts.Metrics.RecordStepExecution(string(step.Action), string(outcome.status), outcome.ended.Sub(outcome.started))

		switch outcome.status {
		case StepStatusApplied:
			logger.WithNodeID(step.NodeID).Infof("%s applied", step.Action)
			e.emit(Event{Type: EventStepApplied, RunID: run.ID, NodeID: step.NodeID, Timestamp: outcome.ended})
			for _, depID := range dependents[step.ID] {
				if _, done := status[depID]; done {
					continue
				}
				waiting[depID]--
				if waiting[depID] == 0 && !cancelled {
					dispatch(byID[depID])
				}
			}
		case StepStatusFailed:
			logger.WithNodeID(step.NodeID).WithError(outcome.err).Error("step failed")
			e.opts.Metrics.RecordError(string(ErrorClassProvider))
			e.emit(Event{
				Type: EventStepFailed, RunID: run.ID, NodeID: step.NodeID,
				Message: result.Error, Timestamp: outcome.ended,
			})
			skipCascade(step.ID)
		}

		// Under cancellation, newly unblocked steps are never dispatched.
		// Once in-flight work drains the remaining steps are skipped above.
	}

	close(tasks)
	wg.Wait()
	close(outcomes)

	run.FinishedAt = time.Now().UTC()
	var failed, skipped []string
	for _, r := range run.Results {
		switch r.Status {
		case StepStatusApplied:
			run.Summary.Applied++
		case StepStatusFailed:
			run.Summary.Failed++
			failed = append(failed, r.NodeID)
		case StepStatusSkipped:
			run.Summary.Skipped++
			skipped = append(skipped, r.NodeID)
		}
	}

	switch {
	case cancelled:
		run.Status = RunStatusCancelled
	case run.Summary.Failed == 0 && run.Summary.Skipped == 0:
		run.Status = RunStatusSucceeded
	default:
		run.Status = RunStatusPartial
	}

	logger.Infof("apply finished: %d applied, %d failed, %d skipped",
		run.Summary.Applied, run.Summary.Failed, run.Summary.Skipped)
	e.emit(Event{Type: EventRunFinished, RunID: run.ID, Timestamp: run.FinishedAt})
	e.opts.Metrics.SetSnapshotStats(len(snap.Entries), snap.Serial)

	if len(failed) > 0 || len(skipped) > 0 {
		return run, &PartialApplyError{RunID: run.ID, Failed: failed, Skipped: skipped}
	}
	return run, nil
}

// runStep executes one plan step through its provider.
func (e *Executor) runStep(ctx context.Context, runID string, step *PlanStep, snap *Snapshot) stepOutcome {
	started := time.Now().UTC()
	e.emit(Event{Type: EventStepStarted, RunID: runID, NodeID: step.NodeID, Timestamp: started})

	ctx, span := e.opts.Tracer.StartStepSpan(ctx, step.ID, step.NodeID, string(step.Action))
	defer span.End()

	outcome := stepOutcome{step: step, started: started}

	provider, err := e.registry.Lookup(stepResourceType(step))
	if err != nil {
		outcome.status = StepStatusFailed
		outcome.err = err
		outcome.ended = time.Now().UTC()
		telemetry.RecordError(span, err)
		return outcome
	}

	var attrs map[string]any
	if step.Node != nil {
		attrs, err = e.resolveAttrs(step.Node, snap)
		if err != nil {
			outcome.status = StepStatusFailed
			outcome.err = NewProviderError("failed to resolve attribute references", err).
				WithNode(step.NodeID)
			outcome.ended = time.Now().UTC()
			telemetry.RecordError(span, err)
			return outcome
		}
	}

	state, err := e.invokeProvider(ctx, provider, step, attrs)
	outcome.ended = time.Now().UTC()
	if err != nil {
		outcome.status = StepStatusFailed
		outcome.err = NewProviderError(fmt.Sprintf("%s failed", step.Action), err).
			WithNode(step.NodeID).WithOperation(string(step.Action))
		telemetry.RecordError(span, err)
		return outcome
	}

	outcome.status = StepStatusApplied
	outcome.attrs = attrs
	if state != nil {
		if state.Attrs != nil {
			outcome.attrs = state.Attrs
		}
		outcome.outputs = state.Outputs
	}
	telemetry.RecordSuccess(span)
	return outcome
}

// invokeProvider dispatches the step action to the right provider calls.
// A replace runs both legs in the order the lifecycle dictates.
func (e *Executor) invokeProvider(ctx context.Context, p Provider, step *PlanStep, attrs map[string]any) (*ResourceState, error) {
	switch step.Action {
	case ActionCreate:
		return e.timedCreate(ctx, p, step, attrs)
	case ActionUpdate:
		return e.timedUpdate(ctx, p, step, attrs)
	case ActionDestroy:
		return nil, e.timedDestroy(ctx, p, step)
	case ActionReplace:
		if step.CreateBeforeDestroy {
			state, err := e.timedCreate(ctx, p, step, attrs)
			if err != nil {
				return nil, err
			}
			if err := e.timedDestroy(ctx, p, step); err != nil {
				return nil, err
			}
			return state, nil
		}
		if err := e.timedDestroy(ctx, p, step); err != nil {
			return nil, err
		}
		return e.timedCreate(ctx, p, step, attrs)
	default:
		return nil, NewInternalError(fmt.Sprintf("unexpected plan action %q", step.Action), nil)
	}
}

func (e *Executor) timedCreate(ctx context.Context, p Provider, step *PlanStep, attrs map[string]any) (*ResourceState, error) {
	ctx, span := e.opts.Tracer.StartProviderSpan(ctx, p.Name(), "create")
	defer span.End()
	timer := telemetry.NewTimer(func(d time.Duration) {
		e.opts.Metrics.RecordProviderCall(p.Name(), "create", d)
	})
	defer timer.Stop()
	state, err := p.Create(ctx, CreateRequest{
		NodeID: step.NodeID,
		Type:   step.Node.Type,
		Attrs:  attrs,
	})
	if err != nil {
		e.opts.Metrics.RecordProviderError(p.Name(), "create")
		telemetry.RecordError(span, err)
	}
	return state, err
}

func (e *Executor) timedUpdate(ctx context.Context, p Provider, step *PlanStep, attrs map[string]any) (*ResourceState, error) {
	ctx, span := e.opts.Tracer.StartProviderSpan(ctx, p.Name(), "update")
	defer span.End()
	timer := telemetry.NewTimer(func(d time.Duration) {
		e.opts.Metrics.RecordProviderCall(p.Name(), "update", d)
	})
	defer timer.Stop()
	state, err := p.Update(ctx, UpdateRequest{
		NodeID: step.NodeID,
		Type:   step.Node.Type,
		Attrs:  attrs,
		Prior:  step.Before.Clone(),
	})
	if err != nil {
		e.opts.Metrics.RecordProviderError(p.Name(), "update")
		telemetry.RecordError(span, err)
	}
	return state, err
}

func (e *Executor) timedDestroy(ctx context.Context, p Provider, step *PlanStep) error {
	ctx, span := e.opts.Tracer.StartProviderSpan(ctx, p.Name(), "destroy")
	defer span.End()
	timer := telemetry.NewTimer(func(d time.Duration) {
		e.opts.Metrics.RecordProviderCall(p.Name(), "destroy", d)
	})
	defer timer.Stop()
	err := p.Destroy(ctx, DestroyRequest{
		NodeID: step.NodeID,
		Type:   stepResourceType(step),
		Prior:  step.Before.Clone(),
	})
	if err != nil {
		e.opts.Metrics.RecordProviderError(p.Name(), "destroy")
		telemetry.RecordError(span, err)
	}
	return err
}

// resolveAttrs resolves attribute references from the outputs of already
// applied dependencies. Reads the snapshot under the read lock since the
// dispatch loop mutates it concurrently with running workers.
func (e *Executor) resolveAttrs(node *ResourceNode, snap *Snapshot) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return ResolveAttrs(node.Attrs, func(ref Reference) (any, bool) {
		rec := snap.Entry(ref.Node)
		if rec == nil {
			return nil, false
		}
		v, ok := rec.Outputs[ref.Output]
		return v, ok
	})
}

// applyOutcome folds a successful step result into the snapshot.
func (e *Executor) applyOutcome(step *PlanStep, outcome stepOutcome, snap *Snapshot, g *Graph) {
	if outcome.status != StepStatusApplied {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	snap.Serial++
	if step.Action == ActionDestroy {
		delete(snap.Entries, step.NodeID)
		return
	}

	now := time.Now().UTC()
	rec := &NodeRecord{
		ID:        step.NodeID,
		Type:      step.Node.Type,
		Attrs:     cloneValueMap(outcome.attrs),
		Outputs:   cloneValueMap(outcome.outputs),
		CreatedAt: now,
		UpdatedAt: now,
	}
	if prior := snap.Entries[step.NodeID]; prior != nil {
		rec.CreatedAt = prior.CreatedAt
	}
	if g != nil {
		// Dependencies recorded at apply time drive future destroy
		// ordering once the node disappears from the declarations.
		rec.Dependencies = g.DependenciesOf(step.NodeID)
	}
	snap.Entries[step.NodeID] = rec
}

// persist pushes one terminal result through the persistence path.
func (e *Executor) persist(ctx context.Context, runID string, snap *Snapshot, result StepResult, logger *telemetry.Logger) {
	if e.persister == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.persister.PersistResult(ctx, runID, snap, result); err != nil {
		logger.WithNodeID(result.NodeID).WithError(err).Error("failed to persist step result")
	}
}

func (e *Executor) parallelism() int {
	if e.opts.Parallelism > 0 {
		return e.opts.Parallelism
	}
	return DefaultParallelism
}

func (e *Executor) emit(ev Event) {
	if e.opts.Events == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	e.opts.Events(ev)
}

// stepResourceType picks the resource type from the desired node when
// present, falling back to the snapshot record for destroys.
func stepResourceType(step *PlanStep) string {
	if step.Node != nil {
		return step.Node.Type
	}
	if step.Before != nil {
		return step.Before.Type
	}
	return ""
}
