package agent

import (
	"context"
	"log/slog"
	"sync"
)

// Builder constructs the agent. It is called at most once per Service.
type Builder func() (Agent, error)

// Service hands out a single lazily built Agent. Concurrent first callers
// block until construction finishes; a construction error is kept and
// returned to every later caller.
type Service struct {
	build  Builder
	logger *slog.Logger

	once  sync.Once
	agent Agent
	err   error
}

// NewService returns a Service that builds its agent on first use.
func NewService(build Builder, logger *slog.Logger) *Service {
	return &Service{build: build, logger: logger}
}

// Get returns the agent, building it on the first call.
func (s *Service) Get() (Agent, error) {
	s.once.Do(func() {
		s.agent, s.err = s.build()
		if s.err != nil {
			s.logger.Error("agent construction failed", slog.String("error", s.err.Error()))
			return
		}
		s.logger.Info("agent ready")
	})
	return s.agent, s.err
}

// Process builds the agent if needed and forwards input to it.
func (s *Service) Process(ctx context.Context, input *Input) (*Response, error) {
	a, err := s.Get()
	if err != nil {
		return nil, err
	}
	return a.Process(ctx, input)
}

var _ Agent = (*Service)(nil)
