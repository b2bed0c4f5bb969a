package pipeline

import (
	"context"
	"sync"

	"github.com/akimenko/webpress/internal/entities"
	"github.com/akimenko/webpress/internal/placement"
)

// Executor fans the per-item pipelines of one request out concurrently and
// reassembles results in input order. Callers correlate results to input
// positions, so results[i] always belongs to assets[i] no matter which item
// finishes first. It waits for all items; there is no partial early return.
type Executor struct {
	run func(ctx context.Context, asset entities.MediaAsset, acct *placement.Account) ItemResult
}

func NewExecutor(p *Pipeline) *Executor {
	return &Executor{run: p.Run}
}

func (e *Executor) ExecuteAll(ctx context.Context, assets []entities.MediaAsset, acct *placement.Account) []ItemResult {
	results := make([]ItemResult, len(assets))

	var wg sync.WaitGroup
	for i, asset := range assets {
		wg.Add(1)
		go func(i int, asset entities.MediaAsset) {
			defer wg.Done()
			asset.Index = i
			results[i] = e.run(ctx, asset, acct)
		}(i, asset)
	}
	wg.Wait()

	return results
}
