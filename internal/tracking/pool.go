package tracking

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"outagewatch/internal/fetcher"
	"outagewatch/internal/observability/metrics"
)

const DefaultMaxConcurrentFetches = 2

// FetchPool bounds concurrent fetches across all polling tasks and
// on-demand checks. Waiters are served in arrival order.
type FetchPool struct {
	next     fetcher.Fetcher
	sem      *semaphore.Weighted
	size     int
	inFlight atomic.Int64
	waiting  atomic.Int64
	metrics  *metrics.Metrics
}

func NewFetchPool(next fetcher.Fetcher, size int, m *metrics.Metrics) *FetchPool {
	if size <= 0 {
		size = DefaultMaxConcurrentFetches
	}
	return &FetchPool{
		next:    next,
		sem:     semaphore.NewWeighted(int64(size)),
		size:    size,
		metrics: m,
	}
}

// Fetch waits for a free slot, then delegates. Cancelling ctx while
// waiting returns ctx's error without fetching.
func (p *FetchPool) Fetch(ctx context.Context, req fetcher.Request) (fetcher.Page, error) {
	p.waiting.Add(1)
	p.report()
	err := p.sem.Acquire(ctx, 1)
	p.waiting.Add(-1)
	if err != nil {
		p.report()
		return fetcher.Page{}, fmt.Errorf("fetch slot wait canceled: %w", err)
	}
	p.inFlight.Add(1)
	p.report()
	defer func() {
		p.inFlight.Add(-1)
		p.sem.Release(1)
		p.report()
	}()

	start := time.Now()
	page, err := p.next.Fetch(ctx, req)
	p.metrics.FetchObserved(time.Since(start))
	return page, err
}

type PoolStats struct {
	Size     int `json:"size"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
}

func (p *FetchPool) Stats() PoolStats {
	return PoolStats{
		Size:     p.size,
		InFlight: int(p.inFlight.Load()),
		Waiting:  int(p.waiting.Load()),
	}
}

func (p *FetchPool) report() {
	st := p.Stats()
	p.metrics.FetchSlots(st.InFlight, st.Waiting)
}
