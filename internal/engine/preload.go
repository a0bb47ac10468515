package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/broadcast"
	model "github.com/lunari-eduardo/lunari-plataforma-f864b1a6-sub004/internal/models"
)

// Window returns the periods preloaded around anchor: two months back, the
// anchor and the next month, oldest first.
func Window(anchor model.Period) []model.Period {
	return []model.Period{
		anchor.AddMonths(-2),
		anchor.AddMonths(-1),
		anchor,
		anchor.AddMonths(1),
	}
}

// Preload loads every period of Window(anchor) that is not fresh. Concurrent
// calls for the same anchor share one run. A failing period does not stop
// the others; the failures are joined into the returned error.
func (e *Engine) Preload(ctx context.Context, anchor model.Period) error {
	_, epoch, err := e.current()
	if err != nil {
		return err
	}
	// The shared run outlives any single caller. Runs never span bindings.
	key := fmt.Sprintf("%d:%s", epoch, anchor)
	ch := e.preloads.DoChan(key, func() (any, error) {
		return nil, e.preload(context.WithoutCancel(ctx), epoch, anchor)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Engine) preload(ctx context.Context, epoch uint64, anchor model.Period) error {
	start := time.Now()

	var missing []model.Period
	for _, p := range Window(anchor) {
		if _, ok := e.store.GetSync(p); !ok {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		slog.Debug("engine: preload skipped, window fresh", "anchor", anchor.String())
		return nil
	}

	var (
		mu     sync.Mutex
		loaded []string
		errs   []error
	)
	g := new(errgroup.Group)
	g.SetLimit(e.opts.PreloadConcurrency)
	for _, p := range missing {
		p := p
		g.Go(func() error {
			_, committed, err := e.load(ctx, epoch, p)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				errs = append(errs, err)
			case committed:
				loaded = append(loaded, p.String())
				e.watch(p)
			}
			return nil
		})
	}
	_ = g.Wait()

	if len(loaded) > 0 {
		sort.Strings(loaded)
		e.persist(ctx)
		e.announce(broadcast.ActionCacheUpdated, periodsData{Periods: loaded})
	}
	slog.Info("engine: preload done",
		"anchor", anchor.String(),
		"loaded", len(loaded),
		"failed", len(errs),
		"took", time.Since(start))
	return errors.Join(errs...)
}
