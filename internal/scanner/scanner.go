package scanner

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
)

// Mode distinguishes the two invocation paths. Both run the same rules; the
// package-unclaimed threshold and terminal flag differ by mode.
type Mode string

const (
	ModeCron     Mode = "cron"
	ModeOnAccess Mode = "on_access"
)

// Summary reports what one scan did.
type Summary struct {
	Moved               int `json:"moved_count"`
	Tagged              int `json:"added_count"`
	Reminded            int `json:"reminded_count"`
	ColetNeridicatMoved int `json:"colet_neridicat_moved_count"`
	Failed              int `json:"failed_count"`
}

// Scanner evaluates the time-trigger rules against the item store, calling
// the transition executor for every item whose condition is newly true.
// Equivalent in contract to a manual mover.
type Scanner struct {
	Engine engine.Engine
	Logger *log.Logger
	Now    func() time.Time
}

func New(e engine.Engine) *Scanner {
	return &Scanner{Engine: e, Now: e.Now}
}

func (s *Scanner) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *Scanner) logf(format string, args ...any) {
	if s.Logger != nil {
		s.Logger.Printf(format, args...)
		return
	}
	log.Printf(format, args...)
}

// Sweep is the scheduled path. No hard timeout; each item commits
// independently, so a killed sweep leaves no partial multi-item state and a
// rerun picks up where conditions still hold.
func (s *Scanner) Sweep(ctx context.Context) (Summary, error) {
	return s.run(ctx, ModeCron, "", "")
}

// SweepRule runs a single named rule in cron mode. Unknown names run
// nothing and report zero counts.
func (s *Scanner) SweepRule(ctx context.Context, rule string) (Summary, error) {
	return s.run(ctx, ModeCron, "", rule)
}

// OnAccess is the synchronous path invoked when a user opens a pipeline.
// It is bounded by the configured timeout and returns partial results when
// the deadline hits, since it blocks a page render.
func (s *Scanner) OnAccess(ctx context.Context, pipelineID string) (Summary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.Engine.Config.Scanner.OnAccessTimeout)
	defer cancel()
	sum, err := s.run(ctx, ModeOnAccess, pipelineID, "")
	if errors.Is(err, context.DeadlineExceeded) {
		s.logf("scanner: on-access check timed out, returning partial results")
		return sum, nil
	}
	return sum, err
}

// run executes every rule. Rules are independent: one rule's failure is
// logged and counted, the rest still run. A store read failure inside a
// rule's condition is fatal to that sweep.
func (s *Scanner) run(ctx context.Context, mode Mode, pipelineID, ruleFilter string) (Summary, error) {
	var (
		sum Summary
		mu  sync.Mutex
	)
	acc := &accumulator{sum: &sum, mu: &mu}
	rules := []struct {
		name string
		fn   func(context.Context, Mode, string, *accumulator) error
	}{
		{"callback_tag", s.ruleCallbackTag},
		{"courier_aging", s.ruleCourierAging},
		{"package_unclaimed", s.rulePackageUnclaimed},
		{"callback_reminder", s.ruleCallbackReminder},
	}
	for _, rule := range rules {
		if ruleFilter != "" && rule.name != ruleFilter {
			continue
		}
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if err := rule.fn(ctx, mode, pipelineID, acc); err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				return sum, err
			}
			return sum, fmt.Errorf("rule %s: %w", rule.name, err)
		}
	}
	return sum, nil
}

type accumulator struct {
	sum *Summary
	mu  *sync.Mutex
}

func (a *accumulator) add(f func(*Summary)) {
	a.mu.Lock()
	f(a.sum)
	a.mu.Unlock()
}

// forEach runs fn over items with bounded concurrency. Per-item failures
// are recoverable: logged, counted, never aborting the rest.
func forEach[T any](ctx context.Context, s *Scanner, acc *accumulator, items []T, fn func(context.Context, T) error) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.Engine.Config.Scanner.WorkerLimit)
	for _, item := range items {
		item := item
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			if err := fn(gctx, item); err != nil {
				s.logf("scanner: item failed: %v", err)
				acc.add(func(sum *Summary) { sum.Failed++ })
			}
			return nil
		})
	}
	_ = g.Wait()
}

// moveGuarded calls the transition executor and treats a conflict as a
// benign race with a concurrent mover.
func (s *Scanner) moveGuarded(ctx context.Context, item domain.ItemRef, pipelineID, stageID string) error {
	_, err := s.Engine.Move(ctx, engine.MoveOptions{
		Item:       item,
		PipelineID: pipelineID,
		StageID:    stageID,
		ActorID:    "scanner",
	})
	if engine.IsCode(err, engine.CodeConflict) {
		return nil
	}
	return err
}
