// Package quota gates remote calls with a persisted daily allowance.
package quota

import (
	"context"
	"fmt"
	"time"
)

// Counter is the storage the gate needs.
type Counter interface {
	Usage(ctx context.Context, service, day string) (int, error)
	AddUsage(ctx context.Context, service, day string, n int) error
}

// Gate allows up to Daily remote calls per service and UTC day. Zero means
// unlimited.
type Gate struct {
	counter Counter
	daily   int
	nowFn   func() time.Time
}

func NewGate(counter Counter, daily int) *Gate {
	return &Gate{counter: counter, daily: daily, nowFn: time.Now}
}

func (g *Gate) day() string {
	return g.nowFn().UTC().Format("2006-01-02")
}

// Allow reports whether one more call to service fits today's allowance.
func (g *Gate) Allow(ctx context.Context, service string) (bool, error) {
	if g == nil || g.daily <= 0 {
		return true, nil
	}
	used, err := g.counter.Usage(ctx, service, g.day())
	if err != nil {
		return false, fmt.Errorf("read %s usage: %w", service, err)
	}
	return used < g.daily, nil
}

// Consume records one call to service.
func (g *Gate) Consume(ctx context.Context, service string) error {
	if g == nil || g.counter == nil {
		return nil
	}
	if err := g.counter.AddUsage(ctx, service, g.day(), 1); err != nil {
		return fmt.Errorf("record %s usage: %w", service, err)
	}
	return nil
}

// Remaining returns today's unused allowance, or -1 when unlimited.
func (g *Gate) Remaining(ctx context.Context, service string) (int, error) {
	if g == nil || g.daily <= 0 {
		return -1, nil
	}
	used, err := g.counter.Usage(ctx, service, g.day())
	if err != nil {
		return 0, fmt.Errorf("read %s usage: %w", service, err)
	}
	if used >= g.daily {
		return 0, nil
	}
	return g.daily - used, nil
}
