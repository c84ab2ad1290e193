package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/pattern"
)

// DefaultCacheSize bounds the literal caches of a router.
const DefaultCacheSize = 4096

// Router owns a dispatch trie and routes calls to the handler chain of the
// best matching registration. Lookups are lock free; registrations are
// serialized.
type Router struct {
	mu    sync.Mutex
	root  *node
	index sync.Map // map[string]*node, keyed by canonical pattern

	seq    atomic.Uint64
	closed atomic.Bool

	facts      *lru.Cache[string, pattern.Pattern]
	resolved   *lru.Cache[string, resolution]
	invalidate bool
	generation atomic.Uint64 // bumped by every purge

	// resolvedHook runs between matching and caching in ActE
	resolvedHook func()

	logger *zap.Logger
}

type resolution struct {
	node *node
	pat  pattern.Pattern
}

// Option configures a Router.
type Option func(*routerOptions)

type routerOptions struct {
	logger     *zap.Logger
	cacheSize  int
	invalidate bool
}

// WithLogger sets the router logger.
func WithLogger(logger *zap.Logger) Option {
	return func(o *routerOptions) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithCacheSize bounds the literal caches.
func WithCacheSize(size int) Option {
	return func(o *routerOptions) {
		if size > 0 {
			o.cacheSize = size
		}
	}
}

// WithCacheInvalidation controls whether ActE resolutions are dropped on every
// Add and Remove. When disabled, a literal resolved before a more specific
// registration keeps its old target until it falls out of the cache.
func WithCacheInvalidation(enabled bool) Option {
	return func(o *routerOptions) {
		o.invalidate = enabled
	}
}

// New creates an empty router.
func New(opts ...Option) *Router {
	o := routerOptions{
		logger:     zap.NewNop(),
		cacheSize:  DefaultCacheSize,
		invalidate: true,
	}
	for _, opt := range opts {
		opt(&o)
	}

	// sizes are validated above, so the constructors cannot fail
	facts, _ := lru.New[string, pattern.Pattern](o.cacheSize)
	resolved, _ := lru.New[string, resolution](o.cacheSize)

	return &Router{
		root:       newNode(""),
		facts:      facts,
		resolved:   resolved,
		invalidate: o.invalidate,
		logger:     o.logger,
	}
}

// Registration is the handle of one Add call.
type Registration struct {
	router  *Router
	node    *node
	id      uint64
	pattern pattern.Pattern
	once    sync.Once
}

// Pattern returns the compiled pattern of the registration.
func (g *Registration) Pattern() pattern.Pattern {
	return g.pattern
}

// Remove drops this handler from its pattern's chain. The trie path stays.
func (g *Registration) Remove() {
	g.once.Do(func() {
		g.router.remove(g)
	})
}

// Add registers handler for spec. The newest handler for a pattern runs first
// and may reach older ones through Prior.
func (r *Router) Add(spec pattern.Spec, handler Handler) (*Registration, error) {
	if handler == nil {
		return nil, errors.New("cannot register nil handler")
	}
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}

	p, err := pattern.Compile(spec)
	if err != nil {
		return nil, &CallError{Op: "add", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	at := r.root
	for _, t := range p.Tokens {
		at = at.child(t)
	}

	e := &entry{id: r.seq.Add(1), handler: handler}
	at.prepend(e)
	r.index.Store(p.Canonical(), at)
	r.purge()

	r.logger.Debug("handler added",
		zap.String("pattern", p.Canonical()),
		zap.Int("chain", at.handlers().len()))

	return &Registration{router: r, node: at, id: e.id, pattern: p}, nil
}

func (r *Router) remove(g *Registration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if g.node.remove(g.id) {
		r.purge()
		r.logger.Debug("handler removed",
			zap.String("pattern", g.pattern.Canonical()),
			zap.Int("chain", g.node.handlers().len()))
	}
}

// purge drops cached resolutions. The generation is bumped first so that an
// ActE racing with the registration discards what it matched.
func (r *Router) purge() {
	if r.invalidate {
		r.generation.Add(1)
		r.resolved.Purge()
	}
}

// store caches a resolution matched at generation gen. An entry that lost the
// race with a purge is removed again.
func (r *Router) store(key string, res resolution, gen uint64) {
	if r.generation.Load() != gen {
		return
	}
	r.resolved.Add(key, res)
	if r.generation.Load() != gen {
		r.resolved.Remove(key)
	}
}

// Match resolves a fact to the node owning the best handler chain.
func (r *Router) Match(fact pattern.Pattern) (*Meta, error) {
	n := match(r.root, fact.Tokens)
	if n == nil {
		return nil, &CallError{Op: "match", Pattern: fact.Canonical(), Err: ErrNoTarget}
	}
	return newMeta(n, nil), nil
}

// Act resolves the union of the pattern and the scalar attributes of data, and
// calls the winning handler with data merged with the pattern attributes. A
// pattern attribute replaces a data value only when the two tokens differ.
func (r *Router) Act(ctx context.Context, spec pattern.Spec, data Msg) (Msg, error) {
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}

	p, err := r.fact(spec)
	if err != nil {
		return nil, &CallError{Op: "act", Err: err}
	}

	fact := p
	if len(data) > 0 {
		extra, err := pattern.ParseFact(pattern.Attributes(data))
		if err == nil {
			// pattern tokens take precedence over data attributes
			fact = extra.With(p.Tokens...)
		}
	}

	n := match(r.root, fact.Tokens)
	if n == nil {
		return nil, &CallError{Op: "act", Pattern: p.Canonical(), Err: ErrNoTarget}
	}
	return r.dispatch(ctx, n, p, data)
}

// ActOption configures an ActE call.
type ActOption func(*actOptions)

type actOptions struct {
	mixin []string
}

// WithMixin appends key:data[key] to the pattern for each key before the
// pattern is resolved. Keys missing from data or holding non-scalar values are
// ignored.
func WithMixin(keys ...string) ActOption {
	return func(o *actOptions) {
		o.mixin = append(o.mixin, keys...)
	}
}

// ActE resolves the pattern alone, ignoring data attributes, and calls the
// winning handler with data merged with the pattern attributes. Resolutions of
// literal patterns are cached.
func (r *Router) ActE(ctx context.Context, spec pattern.Spec, data Msg, opts ...ActOption) (Msg, error) {
	if r.closed.Load() {
		return nil, ErrRouterClosed
	}

	var o actOptions
	for _, opt := range opts {
		opt(&o)
	}
	spec = mixin(spec, data, o.mixin)

	lit, cacheable := spec.(pattern.Literal)
	if cacheable {
		if res, ok := r.resolved.Get(string(lit)); ok {
			return r.dispatch(ctx, res.node, res.pat, data)
		}
	}

	p, err := pattern.ParseFact(spec)
	if err != nil {
		return nil, &CallError{Op: "actE", Err: err}
	}

	gen := r.generation.Load()
	n := match(r.root, p.Tokens)
	if n == nil {
		return nil, &CallError{Op: "actE", Pattern: p.Canonical(), Err: ErrNoTarget}
	}
	if r.resolvedHook != nil {
		r.resolvedHook()
	}
	if cacheable {
		r.store(string(lit), resolution{node: n, pat: p}, gen)
	}
	return r.dispatch(ctx, n, p, data)
}

func mixin(spec pattern.Spec, data Msg, keys []string) pattern.Spec {
	if len(keys) == 0 {
		return spec
	}

	switch s := spec.(type) {
	case pattern.Literal:
		var b strings.Builder
		b.WriteString(string(s))
		for _, k := range keys {
			if v, ok := pattern.Scalar(data[k]); ok {
				fmt.Fprintf(&b, ",%s:%s", k, v)
			}
		}
		return pattern.Literal(b.String())
	case pattern.Attributes:
		out := make(pattern.Attributes, len(s)+len(keys))
		for k, v := range s {
			out[k] = v
		}
		for _, k := range keys {
			if v, ok := data[k]; ok {
				out[k] = v
			}
		}
		return out
	}
	return spec
}

// Find returns a handler that dispatches to the registration for spec. An
// exact registration of the same canonical pattern is preferred; otherwise
// spec is resolved as a fact.
func (r *Router) Find(spec pattern.Spec) (Handler, bool) {
	p, err := pattern.Compile(spec)
	if err != nil {
		return nil, false
	}

	var n *node
	if v, ok := r.index.Load(p.Canonical()); ok && v.(*node).hasHandler() {
		n = v.(*node)
	} else {
		fact, err := pattern.ParseFact(spec)
		if err != nil {
			return nil, false
		}
		if n = match(r.root, fact.Tokens); n == nil {
			return nil, false
		}
	}

	return func(ctx context.Context, msg Msg, _ *Meta) (Msg, error) {
		return r.dispatch(ctx, n, p, msg)
	}, true
}

// Prior calls the next older handler of the resolved chain with msg. Once the
// chain is exhausted it returns an empty result.
func (r *Router) Prior(ctx context.Context, msg Msg, meta *Meta) (Msg, error) {
	if meta == nil {
		return nil, nil
	}
	h, ok := meta.next()
	if !ok {
		return nil, nil
	}
	return h(ctx, msg, meta)
}

// RPrior is Prior with the message the call originally received.
func (r *Router) RPrior(ctx context.Context, meta *Meta) (Msg, error) {
	if meta == nil {
		return nil, nil
	}
	return r.Prior(ctx, meta.Received.Clone(), meta)
}

func (r *Router) dispatch(ctx context.Context, n *node, p pattern.Pattern, data Msg) (Msg, error) {
	msg := data.Clone()
	for k, v := range p.Attrs() {
		// a data value spelling the same token keeps its type
		if cur, ok := msg[k]; ok {
			if s, ok := pattern.Scalar(cur); ok && s == v {
				continue
			}
		}
		msg[k] = v
	}

	meta := newMeta(n, msg.Clone())
	if meta.Depth() == 0 {
		// the last handler was removed after resolution
		return nil, &CallError{Op: "dispatch", Pattern: n.path, Err: ErrNoTarget}
	}
	return r.Prior(ctx, msg, meta)
}

// fact parses spec as a fact, memoizing literal strings.
func (r *Router) fact(spec pattern.Spec) (pattern.Pattern, error) {
	lit, ok := spec.(pattern.Literal)
	if !ok {
		return pattern.ParseFact(spec)
	}
	if p, ok := r.facts.Get(string(lit)); ok {
		return p, nil
	}

	p, err := pattern.ParseFact(spec)
	if err != nil {
		return pattern.Pattern{}, err
	}
	r.facts.Add(string(lit), p)
	return p, nil
}

// Patterns lists the canonical patterns that currently own handlers.
func (r *Router) Patterns() []string {
	var out []string
	r.index.Range(func(key, value any) bool {
		if value.(*node).hasHandler() {
			out = append(out, key.(string))
		}
		return true
	})
	return out
}

// Close rejects further calls and drops cached resolutions.
func (r *Router) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.facts.Purge()
	r.resolved.Purge()
	r.logger.Debug("router closed")
	return nil
}
