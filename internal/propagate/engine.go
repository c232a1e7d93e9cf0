package propagate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"ordersync/internal/changelog"
	"ordersync/internal/metrics"
	"ordersync/internal/model"
	"ordersync/internal/notify"
)

// Store is what the engine needs from the document store: reads for handlers and
// merge-writes for their effects. Pass a journaled store so effect writes feed back in.
type Store interface {
	Reader
	MergeWrite(path string, fields model.Document) (changelog.Change, error)
}

// DefaultMaxAttempts is how many times Run delivers a change whose handlers keep failing.
const DefaultMaxAttempts = 3

// Engine runs routed handlers for each change and performs their effects.
type Engine struct {
	store       Store
	sender      notify.Sender
	router      *Router
	logger      *slog.Logger
	metrics     *metrics.Registry
	maxAttempts int
}

func NewEngine(store Store, sender notify.Sender, router *Router, logger *slog.Logger, mreg *metrics.Registry) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if mreg == nil {
		mreg = metrics.NewRegistry()
	}
	return &Engine{store: store, sender: sender, router: router, logger: logger, metrics: mreg, maxAttempts: DefaultMaxAttempts}
}

// SetMaxAttempts bounds redelivery in Run. Values below one mean a single attempt.
func (e *Engine) SetMaxAttempts(n int) {
	if n < 1 {
		n = 1
	}
	e.maxAttempts = n
}

// Handle runs every route matching c. Write failures are returned so the caller can
// redeliver; notification failures are logged and counted only.
func (e *Engine) Handle(ctx context.Context, c changelog.Change) error {
	_, err := e.handle(ctx, c, nil)
	return err
}

// handle runs the routes matching c, limited to the names in only when it is non-nil, and
// returns the names of the routes that failed.
func (e *Engine) handle(ctx context.Context, c changelog.Change, only map[string]bool) ([]string, error) {
	var (
		failed []string
		errs   []error
	)
	for _, m := range e.router.Match(c) {
		name := m.Route.Name
		if only != nil && !only[name] {
			continue
		}
		start := time.Now()
		eff, err := m.Route.Handler(e.store, Event{Change: c, Params: m.Params})
		if err == nil {
			err = e.apply(ctx, name, c, eff)
		}
		e.metrics.HandlerLatency.Observe(time.Since(start).Seconds())
		e.metrics.ChangesHandled.WithLabelValues(name).Inc()
		if err != nil {
			e.metrics.HandlerErrors.WithLabelValues(name).Inc()
			e.logger.ErrorContext(ctx, "handler failed",
				"module", "propagate.engine",
				"operation", name,
				"outcome", "failure",
				"path", c.Path,
				"seq", c.Seq,
				"error", err,
			)
			failed = append(failed, name)
			errs = append(errs, fmt.Errorf("%s %s: %w", name, c.Path, err))
		}
	}
	return failed, errors.Join(errs...)
}

func (e *Engine) apply(ctx context.Context, name string, c changelog.Change, eff Effects) error {
	for _, cf := range eff.Conflicts {
		e.metrics.IDCollisions.Inc()
		e.logger.WarnContext(ctx, "aggregate conflict",
			"module", "propagate.engine",
			"operation", name,
			"outcome", "overwritten",
			"path", cf.Path,
			"reason", cf.Reason,
		)
	}
	for _, w := range eff.Writes {
		if _, err := e.store.MergeWrite(w.Path, w.Fields); err != nil {
			return fmt.Errorf("merge write %s: %w", w.Path, err)
		}
		e.metrics.Writes.Inc()
	}
	for _, n := range eff.Notifications {
		e.send(ctx, name, c, n)
	}
	return nil
}

func (e *Engine) send(ctx context.Context, name string, c changelog.Change, out Outbound) {
	var err error
	target := out.Token
	if out.Topic != "" {
		target = "topic:" + out.Topic
		err = e.sender.SendToTopic(ctx, out.Topic, out.Notification)
	} else {
		err = e.sender.SendToToken(ctx, out.Token, out.Notification)
	}
	if err != nil {
		e.metrics.NotifyFailed.Inc()
		e.logger.WarnContext(ctx, "notification failed",
			"module", "propagate.engine",
			"operation", name,
			"outcome", "failure",
			"path", c.Path,
			"target", target,
			"error", err,
		)
		return
	}
	e.metrics.NotifySent.Inc()
}

// Run starts workers that pull changes from feed until ctx is done. A change whose
// handlers fail goes back on the feed with only the failed routes, up to the engine's
// attempt limit; after that it is logged and counted as dropped.
func (e *Engine) Run(ctx context.Context, feed *changelog.Feed, workers int) error {
	if workers <= 0 {
		workers = 1
	}
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		retries = make(map[int64]retry)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				c, err := feed.Next(ctx)
				if err != nil {
					return
				}
				e.metrics.FeedBacklog.Set(float64(feed.Len()))
				mu.Lock()
				rt := retries[c.Seq]
				delete(retries, c.Seq)
				mu.Unlock()

				failed, err := e.handle(ctx, c, rt.routes)
				if err != nil && ctx.Err() != nil {
					// left pending: the watermark stays below it and the next start redelivers it
					continue
				}
				if err != nil {
					rt.attempts++
					if rt.attempts < e.maxAttempts {
						mu.Lock()
						retries[c.Seq] = retry{attempts: rt.attempts, routes: setOf(failed)}
						mu.Unlock()
						_ = feed.Append(c)
						e.metrics.Requeued.Inc()
					} else {
						e.metrics.Dropped.Inc()
						e.logger.ErrorContext(ctx, "change dropped",
							"module", "propagate.engine",
							"operation", "run",
							"outcome", "dropped",
							"path", c.Path,
							"seq", c.Seq,
							"attempts", rt.attempts,
							"error", err,
						)
					}
				}
				feed.Done(c)
			}
		}()
	}
	wg.Wait()
	return ctx.Err()
}

type retry struct {
	attempts int
	routes   map[string]bool
}

func setOf(names []string) map[string]bool {
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}

// Drain handles changes synchronously until feed is empty, including the changes its own
// writes produce. It returns how many changes were handled.
func (e *Engine) Drain(ctx context.Context, feed *changelog.Feed) (int, error) {
	var (
		n    int
		errs []error
	)
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		c, ok := feed.TryNext()
		if !ok {
			return n, errors.Join(errs...)
		}
		n++
		if err := e.Handle(ctx, c); err != nil {
			errs = append(errs, err)
		}
		feed.Done(c)
	}
}
