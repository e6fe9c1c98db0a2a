package reader

import (
	"context"
	"sync"

	"github.com/ajitpratap0/quasar/pkg/batch"
	"github.com/ajitpratap0/quasar/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type fetchResult struct {
	batch *batch.Batch
	err   error
}

// Prefetcher reads one batch ahead of its consumer on a background task.
// At most one batch is buffered: the task fetches batch k+1 only after the
// consumer has taken batch k. Parse errors are delivered in order and do not
// stop the task; io.EOF and other errors end it.
type Prefetcher struct {
	inner   Reader
	cancel  context.CancelFunc
	group   *errgroup.Group
	results chan fetchResult
	demand  chan struct{}
	done    <-chan struct{}

	terminal  error
	closeOnce sync.Once
	closeErr  error
}

// NewPrefetcher starts prefetching from inner. Cancelling ctx stops the
// background task; Close must still be called to release inner.
func NewPrefetcher(ctx context.Context, inner Reader) *Prefetcher {
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)
	p := &Prefetcher{
		inner:   inner,
		cancel:  cancel,
		group:   g,
		results: make(chan fetchResult, 1),
		demand:  make(chan struct{}, 1),
		done:    gctx.Done(),
	}
	g.Go(func() error { return p.run(gctx) })
	return p
}

func (p *Prefetcher) run(ctx context.Context) error {
	for {
		b, err := p.inner.Next(ctx)
		select {
		case p.results <- fetchResult{batch: b, err: err}:
		case <-ctx.Done():
			return nil
		}
		if err != nil && !errors.IsParse(err) {
			return nil
		}
		select {
		case <-p.demand:
		case <-ctx.Done():
			return nil
		}
	}
}

// Next returns the prefetched batch and schedules the following one
func (p *Prefetcher) Next(ctx context.Context) (*batch.Batch, error) {
	if p.terminal != nil {
		return nil, p.terminal
	}
	select {
	case res := <-p.results:
		return p.deliver(res)
	case <-p.done:
		select {
		case res := <-p.results:
			return p.deliver(res)
		default:
		}
		p.terminal = errors.New(errors.ErrorTypeCanceled, "prefetch stopped")
		return nil, p.terminal
	case <-ctx.Done():
		return nil, errors.FromContext(ctx.Err(), "prefetch wait interrupted")
	}
}

func (p *Prefetcher) deliver(res fetchResult) (*batch.Batch, error) {
	if res.err != nil && !errors.IsParse(res.err) {
		p.terminal = res.err
		return nil, res.err
	}
	p.demand <- struct{}{}
	return res.batch, res.err
}

// Close stops the background task, waits for it and closes the inner reader
func (p *Prefetcher) Close() error {
	p.closeOnce.Do(func() {
		p.cancel()
		_ = p.group.Wait()
		p.closeErr = p.inner.Close()
		if p.terminal == nil {
			p.terminal = errors.New(errors.ErrorTypeValidation, "reader is closed")
		}
	})
	return p.closeErr
}

var _ Reader = (*Prefetcher)(nil)
