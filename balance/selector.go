package balance

import (
	"math"
	"math/rand/v2"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// Handle identifies a target inside a selector.
type Handle uint64

// Selector chooses targets of one pool. Implementations need not be safe for
// concurrent use; the client serializes Add, Remove and Choose per pool.
// Choices are settled concurrently.
type Selector interface {
	Add(target *Target) Handle
	Remove(h Handle)
	Choose() (*Choice, error)
	Len() int
}

// SelectorFactory builds the selector of a new pool.
type SelectorFactory func(group string) Selector

// Stats are the running counters of one target.
type Stats struct {
	Requests     atomic.Int64
	Failures     atomic.Int64
	Active       atomic.Int64
	ResponseTime atomic.Int64 // nanoseconds, last settled call
}

// SuccessRate returns the share of settled calls that did not overload.
func (s *Stats) SuccessRate() float64 {
	total := s.Requests.Load()
	if total == 0 {
		return 1.0
	}
	return float64(total-s.Failures.Load()) / float64(total)
}

// Choice is a chosen target. Exactly one of Errored or Release settles it;
// later calls are ignored.
type Choice struct {
	Target *Target
	Stats  *Stats

	done  func(success bool)
	start time.Time
	once  sync.Once
}

// Errored reports a controlled overload, counting against the target's health.
func (c *Choice) Errored() {
	c.settle(false)
}

// Release returns the target without a health penalty.
func (c *Choice) Release() {
	c.settle(true)
}

// Elapsed returns the time since the target was chosen.
func (c *Choice) Elapsed() time.Duration {
	return time.Since(c.start)
}

func (c *Choice) settle(success bool) {
	c.once.Do(func() {
		if c.done != nil {
			c.done(success)
		}
		if c.Stats == nil {
			return
		}
		c.Stats.Active.Add(-1)
		c.Stats.Requests.Add(1)
		if !success {
			c.Stats.Failures.Add(1)
		}
		c.Stats.ResponseTime.Store(int64(c.Elapsed()))
	})
}

// candidate is a target with its breaker and weighting state.
type candidate struct {
	handle  Handle
	target  *Target
	weight  int
	current int
	breaker *gobreaker.TwoStepCircuitBreaker
	stats   Stats
}

// weighted is the default selector. Every target has its own breaker; a
// tripped target is skipped until its closing timeout lets one probe through.
type weighted struct {
	group    string
	strategy Strategy
	cb       CircuitBreaker
	logger   *zap.Logger
	onState  func(group, target string, state gobreaker.State)

	seq   Handle
	items []*candidate
}

// NewSelector returns the default selector for group.
func NewSelector(group string, strategy Strategy, cb CircuitBreaker, logger *zap.Logger) Selector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &weighted{group: group, strategy: strategy, cb: cb, logger: logger}
}

func (w *weighted) Add(target *Target) Handle {
	w.seq++
	c := &candidate{
		handle: w.seq,
		target: target,
		weight: max(target.Config.Weight, 1),
	}

	threshold := max(w.cb.FailureThreshold, 1)
	c.breaker = gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        target.ID,
		MaxRequests: 1,
		Timeout:     w.cb.ClosingTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			w.logger.Debug("target breaker changed",
				zap.String("group", w.group),
				zap.String("target", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
			if w.onState != nil {
				w.onState(w.group, name, to)
			}
		},
	})

	w.items = append(w.items, c)
	return c.handle
}

func (w *weighted) Remove(h Handle) {
	for i, c := range w.items {
		if c.handle == h {
			w.items = append(w.items[:i], w.items[i+1:]...)
			return
		}
	}
}

func (w *weighted) Len() int {
	return len(w.items)
}

func (w *weighted) Choose() (*Choice, error) {
	if len(w.items) == 0 {
		return nil, ErrEmptyPool
	}

	for _, c := range w.order() {
		done, err := c.breaker.Allow()
		if err != nil {
			continue
		}
		w.picked(c)
		c.stats.Active.Add(1)
		return &Choice{Target: c.target, Stats: &c.stats, done: done, start: time.Now()}, nil
	}

	if w.strategy == StrategyWeightedRoundRobin {
		for _, c := range w.items {
			c.current -= c.weight
		}
	}
	return nil, ErrAllOpen
}

// order returns the candidates in the preference order of the strategy.
func (w *weighted) order() []*candidate {
	out := make([]*candidate, len(w.items))
	copy(out, w.items)

	switch w.strategy {
	case StrategyRandom:
		// weighted shuffle: key u^(1/w), largest first
		keys := make(map[*candidate]float64, len(out))
		for _, c := range out {
			keys[c] = math.Pow(rand.Float64(), 1/float64(c.weight))
		}
		sort.SliceStable(out, func(i, j int) bool {
			return keys[out[i]] > keys[out[j]]
		})
	case StrategyLeastActive:
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].stats.Active.Load() < out[j].stats.Active.Load()
		})
	default:
		// smooth weighted round robin: everyone gains its weight, the leader
		// pays the total back once it is picked
		for _, c := range out {
			c.current += c.weight
		}
		sort.SliceStable(out, func(i, j int) bool {
			return out[i].current > out[j].current
		})
	}
	return out
}

func (w *weighted) picked(c *candidate) {
	if w.strategy != StrategyWeightedRoundRobin {
		return
	}
	total := 0
	for _, it := range w.items {
		total += it.weight
	}
	c.current -= total
}
