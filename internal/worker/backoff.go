package worker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
)

// Strategy selects how the polling interval grows while a worker finds no
// work or keeps failing.
type Strategy string

// Supported strategies.
const (
	StrategyNone        Strategy = "none"
	StrategyExponential Strategy = "exponential"
	StrategyFibonacci   Strategy = "fibonacci"
)

// ParseStrategy maps a config string to a Strategy. Empty means none.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", StrategyNone:
		return StrategyNone, nil
	case StrategyExponential:
		return StrategyExponential, nil
	case StrategyFibonacci:
		return StrategyFibonacci, nil
	default:
		return "", fmt.Errorf("worker: unknown backoff strategy %q (want none, exponential or fibonacci)", s)
	}
}

// Backoff configures a Policy.
type Backoff struct {
	Strategy Strategy
	// Max caps the interval. Values below the floor are raised to it.
	Max time.Duration
}

// Policy yields successive sleep intervals starting at a floor. It never
// exceeds its max and goes back to the floor on Reset.
type Policy struct {
	floor time.Duration
	max   time.Duration
	kind  Strategy

	mu   sync.Mutex
	next retry.Backoff
}

// NewPolicy builds a policy with the given floor interval.
func NewPolicy(floor time.Duration, b Backoff) (*Policy, error) {
	if floor <= 0 {
		return nil, fmt.Errorf("worker: backoff floor must be positive, got %s", floor)
	}

	kind := b.Strategy
	if kind == "" {
		kind = StrategyNone
	}

	switch kind {
	case StrategyNone, StrategyExponential, StrategyFibonacci:
	default:
		return nil, fmt.Errorf("worker: unknown backoff strategy %q", kind)
	}

	maxInterval := b.Max
	if maxInterval < floor {
		maxInterval = floor
	}

	p := &Policy{floor: floor, max: maxInterval, kind: kind}
	p.next = p.build()

	return p, nil
}

func (p *Policy) build() retry.Backoff {
	switch p.kind {
	case StrategyExponential:
		return retry.WithCappedDuration(p.max, retry.NewExponential(p.floor))
	case StrategyFibonacci:
		return retry.WithCappedDuration(p.max, retry.NewFibonacci(p.floor))
	default:
		return retry.NewConstant(p.floor)
	}
}

// Next returns the next interval to sleep.
func (p *Policy) Next() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	d, _ := p.next.Next()
	if d > p.max {
		d = p.max
	}

	return d
}

// Reset returns the policy to its floor.
func (p *Policy) Reset() {
	p.mu.Lock()
	p.next = p.build()
	p.mu.Unlock()
}

// Floor returns the starting interval.
func (p *Policy) Floor() time.Duration {
	return p.floor
}
