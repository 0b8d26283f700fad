package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// MaxParallel bounds the flows running at once. Defaults to 10.
	MaxParallel int

	// Store records runs and their results. Optional.
	Store stores.Store

	// DestructorKinds decodes the destructors produced by tasks. Without it
	// destructors are passed through unencoded.
	DestructorKinds *DestructorKinds

	Telemetry *telemetry.Telemetry
}

// Scheduler executes migration graphs level by level, running independent
// flows of a level in parallel. A failing flow is reverted task by task and
// the flows that require it are skipped; the rest of the graph carries on.
type Scheduler struct {
	maxParallel int
	store       stores.Store
	kinds       *DestructorKinds
	tel         *telemetry.Telemetry
	logger      zerolog.Logger
}

// NewScheduler creates a new scheduler.
func NewScheduler(opts SchedulerOptions, logger zerolog.Logger) *Scheduler {
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = 10
	}
	if opts.Telemetry == nil {
		opts.Telemetry = telemetry.Nop()
	}

	return &Scheduler{
		maxParallel: opts.MaxParallel,
		store:       opts.Store,
		kinds:       opts.DestructorKinds,
		tel:         opts.Telemetry,
		logger:      logger.With().Str("component", "scheduler").Logger(),
	}
}

// execution tracks the flow outcomes of one run.
type execution struct {
	state *RunState
	flows *Graph
	graph *ExecutionGraph

	mu      sync.RWMutex
	reports map[string]*FlowReport
}

func (e *execution) status(id string) (stores.FlowStatus, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.reports[id]
	if !ok {
		return "", false
	}
	return r.Status, true
}

func (e *execution) finish(r *FlowReport) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reports[r.ID] = r
}

// Execute runs g to completion and reports how every flow ended. Flow
// failures are part of the report, not of the returned error, which is
// reserved for invalid graphs, bookkeeping failures and cancellation.
func (s *Scheduler) Execute(ctx context.Context, g *Graph, opts RunOptions) (*Report, error) {
	if opts.RunID == "" {
		opts.RunID = uuid.New().String()
	}

	inputNames := make([]string, 0, len(opts.Inputs))
	for name := range opts.Inputs {
		inputNames = append(inputNames, name)
	}
	graph, err := NewDAGBuilder(inputNames...).BuildGraph(g)
	if err != nil {
		return nil, fmt.Errorf("failed to build graph: %w", err)
	}

	logger := s.logger.With().Str("run_id", opts.RunID).Str("migration", opts.Migration).Logger()
	state := &RunState{
		ID:        opts.RunID,
		Migration: opts.Migration,
		store:     s.store,
		kinds:     s.kinds,
		tel:       s.tel,
		logger:    logger,
		values:    opts.Inputs.Clone(),
		executed:  make(map[string]bool),
	}

	startedAt := time.Now()
	if s.store != nil {
		err := s.store.CreateRun(ctx, &stores.Run{
			ID:        opts.RunID,
			Migration: opts.Migration,
			Status:    stores.RunStatusRunning,
			StartedAt: startedAt,
			CreatedAt: startedAt,
			UpdatedAt: startedAt,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to save run: %w", err)
		}
	}

	ctx, scope := s.tel.StartRun(ctx, opts.RunID, opts.Migration)
	ctx = withRunState(ctx, state)

	logger.Info().Int("flows", g.Len()).Int("levels", graph.Depth).Msg("Run started")

	exec := &execution{
		state:   state,
		flows:   g,
		graph:   graph,
		reports: make(map[string]*FlowReport),
	}

	var runErr error
	for level, ids := range graph.Levels {
		if err := ctx.Err(); err != nil {
			runErr = err
			s.handleCancellation(ctx, exec, err)
			break
		}
		s.executeLevelParallel(ctx, exec, ids)
		logger.Debug().Int("level", level).Int("flows", len(ids)).Msg("Level completed")
	}
	if err := ctx.Err(); err != nil && runErr == nil {
		runErr = err
	}

	// destructors of a graph without a destructor flow
	if err := state.RunDestructors(context.WithoutCancel(ctx)); err != nil {
		logger.Warn().Err(err).Msg("Some destructors failed")
	}

	report := s.buildReport(exec, opts, startedAt, runErr)
	scope.End(string(report.Status), runErr)

	if s.store != nil {
		var msg *string
		if failed := report.Failed(); len(failed) > 0 {
			msg = errString(fmt.Errorf("%d of %d flows did not succeed", len(failed), len(report.Flows)))
		}
		if runErr != nil {
			msg = errString(runErr)
		}
		if err := s.store.UpdateRunStatus(context.WithoutCancel(ctx), opts.RunID, report.Status, msg); err != nil {
			return report, fmt.Errorf("failed to save final run state: %w", err)
		}
	}

	logger.Info().
		Str("status", string(report.Status)).
		Int("succeeded", report.Count(stores.FlowStatusSucceeded)).
		Int("reverted", report.Count(stores.FlowStatusReverted)).
		Int("aborted", report.Count(stores.FlowStatusAborted)).
		Int("skipped", report.Count(stores.FlowStatusSkipped)).
		Dur("duration", report.Duration).
		Msg("Run finished")

	return report, runErr
}

func (s *Scheduler) buildReport(exec *execution, opts RunOptions, startedAt time.Time, runErr error) *Report {
	outcomes, destructErr := exec.state.destructorOutcomes()

	exec.mu.RLock()
	flows := make(map[string]*FlowReport, len(exec.reports))
	for id, r := range exec.reports {
		flows[id] = r
	}
	exec.mu.RUnlock()

	report := &Report{
		RunID:       opts.RunID,
		Migration:   opts.Migration,
		Flows:       flows,
		Duration:    time.Since(startedAt),
		Destructors: outcomes,
	}

	succeeded := report.Count(stores.FlowStatusSucceeded)
	switch {
	case runErr != nil:
		report.Status = stores.RunStatusCancelled
	case succeeded == len(flows) && destructErr == nil:
		report.Status = stores.RunStatusCompleted
	case succeeded == 0:
		report.Status = stores.RunStatusFailed
	default:
		report.Status = stores.RunStatusPartial
	}
	return report
}

// executeLevelParallel executes the flows of a level with a bounded worker pool.
func (s *Scheduler) executeLevelParallel(ctx context.Context, exec *execution, ids []string) {
	workerCount := s.maxParallel
	if len(ids) < workerCount {
		workerCount = len(ids)
	}

	workQueue := make(chan string, len(ids))
	for _, id := range ids {
		workQueue <- id
	}
	close(workQueue)

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for id := range workQueue {
				if dep, ok := s.checkDependencies(exec, id); !ok {
					s.markFlowSkipped(ctx, exec, id,
						NewPermanentError(fmt.Sprintf("dependency %s did not succeed", dep), nil).
							WithCode(ErrCodeDependencyFailed).WithFlow(id))
					continue
				}
				if err := ctx.Err(); err != nil {
					s.markFlowSkipped(ctx, exec, id,
						NewPermanentError("execution cancelled", err).WithCode(ErrCodeCancelled).WithFlow(id))
					continue
				}
				s.executeFlow(ctx, exec, id)
			}
		}()
	}

	wg.Wait()
}

// checkDependencies verifies the edges of a flow. It returns the first
// dependency that blocks it.
func (s *Scheduler) checkDependencies(exec *execution, id string) (string, bool) {
	for _, edge := range exec.graph.Nodes[id].Dependencies {
		status, done := exec.status(edge.From)
		if !done {
			return edge.From, false
		}
		if edge.Type == DependencyRequire && status != stores.FlowStatusSucceeded {
			return edge.From, false
		}
	}
	return "", true
}

type executedTask struct {
	task   Task
	in     Values
	result *Result
}

// executeFlow runs the tasks of a flow in order. When a task fails, it and
// every task before it are reverted in reverse order.
func (s *Scheduler) executeFlow(ctx context.Context, exec *execution, id string) {
	flow := exec.flows.Flow(id)
	state := exec.state
	logger := state.logger.With().Str("flow", id).Logger()

	ctx, scope := s.tel.StartFlow(ctx, state.ID, id)
	startTime := time.Now()

	var (
		done        []executedTask
		destructors []Destructor
		failed      *executedTask
		failErr     error
	)

	for _, t := range flow.Tasks {
		in, inErr := state.inputs(t.Requires())
		if inErr != nil {
			failErr = inErr.WithFlow(id).WithTask(t.Name())
			break
		}

		logger.Debug().Str("task", t.Name()).Msg("Executing task")
		result, err := t.Execute(ctx, in)
		if err != nil {
			failed = &executedTask{task: t, in: in}
			failErr = fmt.Errorf("task %s: %w", t.Name(), err)
			break
		}
		if result == nil {
			result = &Result{}
		}

		state.publish(result.Outputs)
		done = append(done, executedTask{task: t, in: in, result: result})
		if result.Destructor != nil {
			destructors = append(destructors, result.Destructor)
		}
	}

	if failErr == nil {
		if err := state.addDestructors(destructors); err != nil {
			failErr = err
		}
	}

	report := &FlowReport{ID: id, Status: stores.FlowStatusSucceeded}

	if failErr != nil {
		report.Status = stores.FlowStatusReverted
		if IsAbort(failErr) {
			report.Status = stores.FlowStatusAborted
		}
		logger.Warn().Err(failErr).Str("status", string(report.Status)).Msg("Flow failed, reverting")

		report.Error = failErr
		if revertErr := s.revertFlow(ctx, logger, failed, done); revertErr != nil {
			report.Error = multierror.Append(failErr, revertErr)
		}

		classified := ClassifyError(failErr)
		s.tel.Metrics.RecordError(string(classified.Class), classified.Code)
	} else {
		logger.Info().Msg("Flow completed")
	}

	report.Duration = time.Since(startTime)
	exec.finish(report)
	scope.End(string(report.Status), report.Error)
	s.recordFlowResult(ctx, state.ID, report)
}

// revertFlow reverts the failed task, then the completed ones newest first.
// Revert failures are logged and do not stop the remaining reverts.
func (s *Scheduler) revertFlow(ctx context.Context, logger zerolog.Logger, failed *executedTask, done []executedTask) error {
	ctx = context.WithoutCancel(ctx)

	var result *multierror.Error
	revert := func(et executedTask) {
		if err := et.task.Revert(ctx, et.in, et.result); err != nil {
			logger.Error().Err(err).Str("task", et.task.Name()).Msg("Failed to revert task")
			result = multierror.Append(result, fmt.Errorf("revert %s: %w", et.task.Name(), err))
		}
	}

	if failed != nil {
		revert(*failed)
	}
	for i := len(done) - 1; i >= 0; i-- {
		revert(done[i])
	}
	return result.ErrorOrNil()
}

func (s *Scheduler) markFlowSkipped(ctx context.Context, exec *execution, id string, reason error) {
	exec.state.logger.Warn().Str("flow", id).Err(reason).Msg("Skipping flow")

	report := &FlowReport{ID: id, Status: stores.FlowStatusSkipped, Error: reason}
	exec.finish(report)

	s.tel.Metrics.RecordFlowCompleted(string(report.Status), 0)
	_ = s.tel.Events.PublishFlowFinished(exec.state.ID, id, string(report.Status), 0, reason)
	s.recordFlowResult(ctx, exec.state.ID, report)
}

// handleCancellation marks every flow that has not run as skipped.
func (s *Scheduler) handleCancellation(ctx context.Context, exec *execution, cause error) {
	for _, ids := range exec.graph.Levels {
		for _, id := range ids {
			if _, done := exec.status(id); done {
				continue
			}
			s.markFlowSkipped(ctx, exec, id,
				NewPermanentError("execution cancelled", cause).WithCode(ErrCodeCancelled).WithFlow(id))
		}
	}
}

func (s *Scheduler) recordFlowResult(ctx context.Context, runID string, report *FlowReport) {
	if s.store == nil {
		return
	}
	err := s.store.RecordFlowResult(context.WithoutCancel(ctx), &stores.FlowResult{
		RunID:       runID,
		Flow:        report.ID,
		Status:      report.Status,
		Error:       errString(report.Error),
		CompletedAt: time.Now(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("flow", report.ID).Msg("Failed to record flow result")
	}
}

// GetStatus retrieves a recorded run with its flow results.
func (s *Scheduler) GetStatus(ctx context.Context, runID string) (*stores.Run, []*stores.FlowResult, error) {
	if s.store == nil {
		return nil, nil, errors.New("scheduler has no store")
	}

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get run: %w", err)
	}

	results, err := s.store.ListFlowResults(ctx, runID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get flow results: %w", err)
	}

	return run, results, nil
}
