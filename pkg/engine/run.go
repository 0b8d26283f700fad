package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/rs/zerolog"

	"github.com/cloudferry/cloudferry/pkg/stores"
	"github.com/cloudferry/cloudferry/pkg/telemetry"
)

// RunState is the shared state of one graph execution: the published task
// values and the destructors collected from successful flows. Tasks reach it
// through RunStateFrom.
type RunState struct {
	ID        string
	Migration string

	store  stores.Store
	kinds  *DestructorKinds
	tel    *telemetry.Telemetry
	logger zerolog.Logger

	mu          sync.Mutex
	values      Values
	pending     []pendingDestructor
	executed    map[string]bool
	outcomes    []DestructorOutcome
	destructErr *multierror.Error
}

// pendingDestructor holds either the encoded form or, without a kind
// registry, the destructor itself.
type pendingDestructor struct {
	encoded []byte
	value   Destructor
}

type runStateKey struct{}

// RunStateFrom returns the state of the run executing the calling task.
func RunStateFrom(ctx context.Context) (*RunState, bool) {
	s, ok := ctx.Value(runStateKey{}).(*RunState)
	return s, ok
}

func withRunState(ctx context.Context, s *RunState) context.Context {
	return context.WithValue(ctx, runStateKey{}, s)
}

// Get returns a published value.
func (s *RunState) Get(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[name]
	return v, ok
}

func (s *RunState) inputs(names []string) (Values, *EngineError) {
	s.mu.Lock()
	defer s.mu.Unlock()

	in := make(Values, len(names))
	for _, name := range names {
		v, ok := s.values[name]
		if !ok {
			return nil, NewPermanentError(fmt.Sprintf("input %q is not available", name), nil).
				WithCode(ErrCodeDependencyFailed)
		}
		in[name] = v
	}
	return in, nil
}

func (s *RunState) publish(out Values) {
	if len(out) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range out {
		s.values[k] = v
	}
}

// addDestructors queues the destructors of a successful flow.
func (s *RunState) addDestructors(ds []Destructor) error {
	queued := make([]pendingDestructor, 0, len(ds))
	for _, d := range ds {
		if s.kinds == nil {
			queued = append(queued, pendingDestructor{value: d})
			continue
		}
		data, err := s.kinds.Encode(d)
		if err != nil {
			return err
		}
		queued = append(queued, pendingDestructor{encoded: data})
	}

	s.mu.Lock()
	s.pending = append(s.pending, queued...)
	s.mu.Unlock()
	return nil
}

// Destructors returns the queued destructors that have not run yet.
func (s *RunState) Destructors() ([]Destructor, error) {
	s.mu.Lock()
	pending := append([]pendingDestructor{}, s.pending...)
	s.mu.Unlock()

	out := make([]Destructor, 0, len(pending))
	for _, p := range pending {
		if p.value != nil {
			out = append(out, p.value)
			continue
		}
		d, err := s.kinds.Decode(p.encoded)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// RunDestructors executes the queued destructors, each kind and signature
// once per run. A failing destructor is logged and does not stop the others;
// all failures are returned together.
func (s *RunState) RunDestructors(ctx context.Context) error {
	ds, err := s.Destructors()
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.pending = nil
	s.mu.Unlock()

	var result *multierror.Error
	for _, d := range ds {
		key := destructorKey(d)

		s.mu.Lock()
		done := s.executed[key]
		s.executed[key] = true
		s.mu.Unlock()
		if done {
			continue
		}

		logger := s.logger.With().Str("kind", d.Kind()).Str("signature", d.Signature()).Logger()
		runErr := d.Run(ctx)
		if runErr != nil {
			logger.Error().Err(runErr).Msg("Destructor failed")
			result = multierror.Append(result, fmt.Errorf("destructor %s %s: %w", d.Kind(), d.Signature(), runErr))
		} else {
			logger.Info().Msg("Destructor executed")
		}

		s.tel.Metrics.RecordDestructor(d.Kind(), runErr)
		_ = s.tel.Events.PublishDestructorExecuted(s.ID, d.Kind(), d.Signature(), runErr)
		s.record(ctx, d, runErr)

		s.mu.Lock()
		s.outcomes = append(s.outcomes, DestructorOutcome{Kind: d.Kind(), Signature: d.Signature(), Error: runErr})
		if runErr != nil {
			s.destructErr = multierror.Append(s.destructErr, runErr)
		}
		s.mu.Unlock()
	}

	return result.ErrorOrNil()
}

func (s *RunState) record(ctx context.Context, d Destructor, runErr error) {
	if s.store == nil {
		return
	}
	err := s.store.RecordDestructorResult(context.WithoutCancel(ctx), &stores.DestructorResult{
		RunID:      s.ID,
		Kind:       d.Kind(),
		Signature:  d.Signature(),
		Error:      errString(runErr),
		ExecutedAt: time.Now(),
	})
	if err != nil {
		s.logger.Error().Err(err).Str("kind", d.Kind()).Msg("Failed to record destructor result")
	}
}

func (s *RunState) destructorOutcomes() ([]DestructorOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]DestructorOutcome{}, s.outcomes...), s.destructErr.ErrorOrNil()
}

func errString(err error) *string {
	if err == nil {
		return nil
	}
	msg := err.Error()
	return &msg
}
