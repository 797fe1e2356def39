package graceful

import (
	"sync"

	"go.uber.org/zap"
)

// CleanupScope collects finalizers for resources created during an
// orchestration run (ad hoc containers, log followers) and releases them in
// LIFO order exactly once. It fires on every exit path: normal return,
// error, or termination signal.
type CleanupScope struct {
	logger *zap.Logger

	mu         sync.Mutex
	finalizers []namedFinalizer
	closed     bool
}

type namedFinalizer struct {
	name string
	fn   func() error
}

// NewCleanupScope creates a new cleanup scope.
func NewCleanupScope(logger *zap.Logger) *CleanupScope {
	return &CleanupScope{logger: logger}
}

// Register adds a finalizer. Finalizers registered after Close has run are
// executed immediately.
func (s *CleanupScope) Register(name string, fn func() error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.runOne(namedFinalizer{name: name, fn: fn})
		return
	}
	s.finalizers = append(s.finalizers, namedFinalizer{name: name, fn: fn})
	s.mu.Unlock()
}

// Close runs all registered finalizers in reverse registration order.
// Subsequent calls are no-ops.
func (s *CleanupScope) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	finalizers := s.finalizers
	s.finalizers = nil
	s.mu.Unlock()

	for i := len(finalizers) - 1; i >= 0; i-- {
		s.runOne(finalizers[i])
	}
}

func (s *CleanupScope) runOne(f namedFinalizer) {
	if err := f.fn(); err != nil {
		s.logger.Warn("Cleanup finalizer failed",
			zap.String("finalizer", f.name),
			zap.Error(err),
		)
	}
}
