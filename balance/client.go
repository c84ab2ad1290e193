package balance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
)

// Options configures a Client.
type Options struct {
	// MaxAttempts bounds the invocations of one call, including the first
	MaxAttempts int

	CircuitBreaker CircuitBreaker
	Strategy       Strategy

	// ClientUpdates logs every target add and remove at debug level
	ClientUpdates bool

	// Metrics enables response time tracking and prometheus collectors
	Metrics    bool
	Registerer prometheus.Registerer

	// NewSelector overrides the default selector
	NewSelector SelectorFactory

	Logger *zap.Logger
}

// DefaultOptions returns the default client options.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:    DefaultMaxAttempts,
		CircuitBreaker: DefaultCircuitBreaker(),
		Strategy:       StrategyWeightedRoundRobin,
	}
}

// pool is the target set of one pattern group.
type pool struct {
	mu       sync.Mutex
	group    string
	selector Selector
	targets  map[string]*Target
}

// Client keeps one pool per pattern group and invokes its targets.
type Client struct {
	mu    sync.RWMutex
	pools map[string]*pool

	opts    Options
	metrics *Metrics
	logger  *zap.Logger
}

// NewClient creates a balance client.
func NewClient(opts Options) (*Client, error) {
	def := DefaultOptions()
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.CircuitBreaker.ClosingTimeout <= 0 {
		opts.CircuitBreaker.ClosingTimeout = def.CircuitBreaker.ClosingTimeout
	}
	if opts.CircuitBreaker.RetryTimeout <= 0 {
		opts.CircuitBreaker.RetryTimeout = def.CircuitBreaker.RetryTimeout
	}
	if opts.CircuitBreaker.FailureThreshold == 0 {
		opts.CircuitBreaker.FailureThreshold = def.CircuitBreaker.FailureThreshold
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	c := &Client{
		pools:  make(map[string]*pool),
		opts:   opts,
		logger: opts.Logger.Named("balance"),
	}

	if opts.Metrics {
		m, err := NewMetrics(opts.Registerer)
		if err != nil {
			return nil, fmt.Errorf("failed to register balance metrics: %w", err)
		}
		c.metrics = m
	}
	return c, nil
}

func (c *Client) newSelector(group string) Selector {
	if c.opts.NewSelector != nil {
		return c.opts.NewSelector(group)
	}
	return &weighted{
		group:    group,
		strategy: c.opts.Strategy,
		cb:       c.opts.CircuitBreaker,
		logger:   c.logger,
		onState:  c.metrics.breaker,
	}
}

// pool returns the pool of group, creating it when create is set.
func (c *Client) pool(group string, create bool) *pool {
	c.mu.RLock()
	p := c.pools[group]
	c.mu.RUnlock()
	if p != nil || !create {
		return p
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if p = c.pools[group]; p == nil {
		p = &pool{
			group:    group,
			selector: c.newSelector(group),
			targets:  make(map[string]*Target),
		}
		c.pools[group] = p
	}
	return p
}

// AddTarget adds action to the pool of group. Adding an action id that is
// already present is a no-op.
func (c *Client) AddTarget(group string, cfg TargetConfig, action Action) error {
	if group == "" {
		return ErrInvalidGroup
	}
	if action.Call == nil {
		return ErrNilAction
	}

	p := c.pool(group, true)
	p.mu.Lock()
	_, exists := p.targets[action.ID]
	if !exists {
		t := &Target{ID: action.ID, Action: action, Config: cfg}
		t.handle = p.selector.Add(t)
		p.targets[action.ID] = t
	}
	size := p.selector.Len()
	p.mu.Unlock()

	c.metrics.poolSize(group, size)
	if c.opts.ClientUpdates {
		c.logger.Debug("add target",
			zap.String("group", group),
			zap.String("id", action.ID),
			zap.Bool("added", !exists))
	}
	return nil
}

// RemoveTarget removes the target with id from the pool of group. Unknown
// groups and ids are ignored.
func (c *Client) RemoveTarget(group, id string) {
	found := false
	size := 0
	if p := c.pool(group, false); p != nil {
		p.mu.Lock()
		if t, ok := p.targets[id]; ok {
			p.selector.Remove(t.handle)
			delete(p.targets, id)
			found = true
		}
		size = p.selector.Len()
		p.mu.Unlock()
	}

	if found {
		c.metrics.poolSize(group, size)
	}
	if c.opts.ClientUpdates {
		c.logger.Debug("remove target",
			zap.String("group", group),
			zap.String("id", id),
			zap.Bool("found", found))
	}
}

// MakeHandle returns a registration function that adds actions to the pool of
// the given pin under cfg.
func (c *Client) MakeHandle(cfg TargetConfig) func(pin string, action Action) error {
	return func(pin string, action Action) error {
		group, err := GroupOf(pin)
		if err != nil {
			return err
		}
		return c.AddTarget(group, cfg, action)
	}
}

// GroupOf returns the pattern-group key of one or more pins.
func GroupOf(pins ...string) (string, error) {
	compiled := make([]pattern.Pattern, 0, len(pins))
	for _, pin := range pins {
		p, err := pattern.Compile(pattern.Literal(pin))
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidGroup, err)
		}
		compiled = append(compiled, p)
	}
	if len(compiled) == 0 {
		return "", ErrInvalidGroup
	}
	return pattern.Group(compiled...), nil
}

func (s ClientSpec) pins() []string {
	var pins []string
	if s.Pin != "" {
		pins = append(pins, s.Pin)
	}
	return append(pins, s.Pins...)
}

// Binding sends calls into the pool of one pattern group.
type Binding struct {
	Group  string
	Spec   ClientSpec
	client *Client
}

// AddClient binds spec to its pattern group. The pool itself is created by the
// first AddTarget for the group.
func (c *Client) AddClient(spec ClientSpec) (*Binding, error) {
	group, err := GroupOf(spec.pins()...)
	if err != nil {
		return nil, err
	}
	return &Binding{Group: group, Spec: spec, client: c}, nil
}

// RemoveClient removes the target of spec.Config from the group of spec.
func (c *Client) RemoveClient(spec ClientSpec) error {
	group, err := GroupOf(spec.pins()...)
	if err != nil {
		return err
	}
	c.RemoveTarget(group, spec.Config.ID)
	return nil
}

// Send invokes a target of the bound group.
func (b *Binding) Send(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
	p := b.client.pool(b.Group, false)
	if p == nil {
		return nil, &core.CallError{Op: "send", Pattern: b.Group, Err: core.ErrNoTarget}
	}
	return b.client.consume(ctx, p, msg, meta)
}

// Handler returns Send as a core.Handler.
func (b *Binding) Handler() core.Handler {
	return b.Send
}

// consume runs choose, invoke and classify until the call succeeds, fails
// fatally, or exhausts its attempts. Attempts are strictly sequential.
func (c *Client) consume(ctx context.Context, p *pool, msg core.Msg, meta *core.Meta) (core.Msg, error) {
	attempts := 0
	for {
		p.mu.Lock()
		choice, err := p.selector.Choose()
		p.mu.Unlock()
		if err != nil {
			return nil, &core.CallError{Op: "send", Pattern: p.group, Err: core.ErrNoCurrentTarget}
		}

		res, err := choice.Target.Action.Call(ctx, msg, meta)
		if err == nil {
			choice.Release()
			c.metrics.attempt(p.group, outcomeSuccess, choice.Elapsed())
			return res, nil
		}

		if !core.IsRetryable(err) {
			choice.Release()
			c.metrics.attempt(p.group, outcomeFatal, choice.Elapsed())
			return nil, err
		}

		choice.Errored()
		c.metrics.attempt(p.group, outcomeOverload, choice.Elapsed())
		attempts++
		if attempts >= c.opts.MaxAttempts {
			c.logger.Warn("all targets overloaded",
				zap.String("group", p.group),
				zap.Int("attempts", attempts),
				zap.Error(err))
			return nil, &core.CallError{Op: "send", Pattern: p.group, Err: core.ErrAllTargetsOverloaded}
		}

		timer := time.NewTimer(c.opts.CircuitBreaker.RetryTimeout)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// Groups returns the known pattern groups in order.
func (c *Client) Groups() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	groups := make([]string, 0, len(c.pools))
	for g := range c.pools {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	return groups
}

// Targets returns the ids of the targets in group.
func (c *Client) Targets(group string) []string {
	p := c.pool(group, false)
	if p == nil {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.targets))
	for id := range p.targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close drops every pool.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pools = make(map[string]*pool)
	return nil
}

// IsNoTarget reports whether err means no pool or no usable target exists.
func IsNoTarget(err error) bool {
	return errors.Is(err, core.ErrNoTarget) || errors.Is(err, core.ErrNoCurrentTarget)
}
