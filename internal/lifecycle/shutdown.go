package lifecycle

import (
	"context"
	"sync/atomic"

	"github.com/loqalabs/loqa-dictate/internal/pipeline"
)

// ErrShutdown is reported for work abandoned because the pipeline stopped.
var ErrShutdown = pipeline.ErrShutdown

// Shutdown is a set-once signal shared by every loop of one run.
type Shutdown struct {
	ctx       context.Context
	cancel    context.CancelFunc
	triggered atomic.Bool
}

func NewShutdown() *Shutdown {
	ctx, cancel := context.WithCancel(context.Background())
	return &Shutdown{ctx: ctx, cancel: cancel}
}

// Trigger sets the signal. Later calls are no-ops.
func (s *Shutdown) Trigger() {
	s.triggered.Store(true)
	s.cancel()
}

func (s *Shutdown) Triggered() bool { return s.triggered.Load() }

func (s *Shutdown) Done() <-chan struct{} { return s.ctx.Done() }

// Context is cancelled when the signal is set.
func (s *Shutdown) Context() context.Context { return s.ctx }
