package accounts

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// sagaStep is one forward action with an optional compensating action.
type sagaStep struct {
	name       string
	run        func(ctx context.Context) error
	compensate func(ctx context.Context) error
}

// sagaOutcome describes how a saga run ended.
type sagaOutcome struct {
	FailedStep    string
	Err           error
	Compensated   bool
	CompensateErr error
}

// saga runs steps in order. When a step fails every completed step is
// compensated in reverse order. Compensation runs on a context detached from
// the caller's cancellation, bounded by compensationTimeout, and each
// compensating action is retried with exponential backoff.
type saga struct {
	steps               []sagaStep
	compensationTries   uint
	compensationTimeout time.Duration
	newBackOff          func() backoff.BackOff
	logger              Logger
}

func newSaga(logger Logger, tries uint, timeout time.Duration, newBackOff func() backoff.BackOff) *saga {
	if newBackOff == nil {
		newBackOff = defaultCompensationBackOff
	}
	return &saga{
		compensationTries:   tries,
		compensationTimeout: timeout,
		newBackOff:          newBackOff,
		logger:              resolveLogger(logger),
	}
}

func (s *saga) step(name string, run func(ctx context.Context) error, compensate func(ctx context.Context) error) *saga {
	s.steps = append(s.steps, sagaStep{name: name, run: run, compensate: compensate})
	return s
}

func (s *saga) execute(ctx context.Context) sagaOutcome {
	done := make([]sagaStep, 0, len(s.steps))
	for _, st := range s.steps {
		if err := st.run(ctx); err != nil {
			out := sagaOutcome{FailedStep: st.name, Err: err, Compensated: true}
			if cerr := s.rollback(ctx, done); cerr != nil {
				out.Compensated = false
				out.CompensateErr = cerr
			}
			return out
		}
		done = append(done, st)
	}
	return sagaOutcome{}
}

func (s *saga) rollback(ctx context.Context, done []sagaStep) error {
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.compensationTimeout)
	defer cancel()

	var firstErr error
	for i := len(done) - 1; i >= 0; i-- {
		st := done[i]
		if st.compensate == nil {
			continue
		}

		attempt := 0
		_, err := backoff.Retry(cctx, func() (struct{}, error) {
			attempt++
			return struct{}{}, st.compensate(cctx)
		},
			backoff.WithBackOff(s.newBackOff()),
			backoff.WithMaxTries(s.compensationTries),
		)
		if err != nil {
			s.logger.Error("compensation for step %s failed after %d attempts: %v", st.name, attempt, err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		s.logger.Info("compensated step %s after %d attempt(s)", st.name, attempt)
	}
	return firstErr
}

func defaultCompensationBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second
	return b
}
