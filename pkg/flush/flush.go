// Package flush collapses concurrent announce requests into a single
// in-flight flush of the swarm.
package flush

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/singleflight"

	"hyperseeder/pkg/metrics"
)

const flushKey = "flush"

type Flusher interface {
	Flush(ctx context.Context) error
}

type Coordinator struct {
	ctx     context.Context
	flusher Flusher
	group   singleflight.Group
}

// NewCoordinator creates a coordinator. Flushes run with ctx, which should
// live as long as the flusher.
func NewCoordinator(ctx context.Context, flusher Flusher) *Coordinator {
	return &Coordinator{
		ctx:     ctx,
		flusher: flusher,
	}
}

// FlushIfNeeded starts a flush unless one is in flight, in which case the
// caller joins it. onComplete is called exactly once when that flush is done,
// whatever its outcome.
func (c *Coordinator) FlushIfNeeded(onComplete func()) {
	ch := c.group.DoChan(flushKey, c.flush)
	go func() {
		<-ch
		if onComplete != nil {
			onComplete()
		}
	}()
}

// Wait runs or joins a flush and blocks until it is done or ctx is cancelled.
func (c *Coordinator) Wait(ctx context.Context) error {
	done := make(chan struct{})
	c.FlushIfNeeded(func() {
		close(done)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (c *Coordinator) flush() (any, error) {
	log := logr.FromContextOrDiscard(c.ctx)
	start := time.Now()
	err := c.flusher.Flush(c.ctx)
	metrics.FlushDurHistogram.Observe(time.Since(start).Seconds())
	if err != nil {
		log.Error(err, "swarm flush failed")
		return nil, nil
	}
	log.V(4).Info("swarm flushed", "duration", time.Since(start).String())
	return nil, nil
}
