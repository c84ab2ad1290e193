// Package gateway exposes a router over HTTP.
//
// POST /act resolves a pattern against the router with ActE and answers with
// the handler result. A numeric "code" in the result becomes the HTTP status.
// Dispatch errors map onto statuses:
//
//	invalid pattern         400
//	no-target               404
//	no-current-target       503
//	all-targets-overloaded  503
//	timeout                 504
//	anything else           500
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/mesh"
	"github.com/WizardTales/MicroWizard/pattern"
)

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("gateway already started")

// Dispatcher resolves and runs actions.
type Dispatcher interface {
	Act(ctx context.Context, spec pattern.Spec, data core.Msg) (core.Msg, error)
	ActE(ctx context.Context, spec pattern.Spec, data core.Msg, opts ...core.ActOption) (core.Msg, error)
}

// Options configures a Gateway.
type Options struct {
	Address     string
	MetricsPath string

	// Registry collects the gateway metrics and is served at MetricsPath.
	// Nil uses the prometheus default registry.
	Registry *prometheus.Registry

	// Timeout bounds one request; zero means no bound
	Timeout time.Duration

	// Routes mounts application routes next to the built-in ones
	Routes func(r chi.Router, d Dispatcher)

	Logger *zap.Logger
}

// ActRequest is the body of POST /act.
type ActRequest struct {
	Pattern string   `json:"pattern"`
	Data    core.Msg `json:"data"`
	Mixin   []string `json:"mixin"`
}

// ErrorResponse is the body of a failed request.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Gateway is the HTTP front door of a node.
type Gateway struct {
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger
	handler    http.Handler

	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	done     chan struct{}
}

// New builds the gateway routes for d.
func New(d Dispatcher, opts Options) (*Gateway, error) {
	if opts.MetricsPath == "" {
		opts.MetricsPath = "/metrics"
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	g := &Gateway{
		dispatcher: d,
		opts:       opts,
		logger:     opts.Logger.Named("gateway"),
		requests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "microwizard",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "HTTP requests by route and status.",
			},
			[]string{"route", "status"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "microwizard",
				Subsystem: "gateway",
				Name:      "request_seconds",
				Help:      "HTTP request duration by route.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route"},
		),
	}

	var (
		reg      prometheus.Registerer = prometheus.DefaultRegisterer
		gatherer prometheus.Gatherer   = prometheus.DefaultGatherer
	)
	if opts.Registry != nil {
		reg, gatherer = opts.Registry, opts.Registry
	}
	var err error
	if g.requests, err = register(reg, g.requests); err != nil {
		return nil, fmt.Errorf("failed to register gateway metrics: %w", err)
	}
	if g.duration, err = register(reg, g.duration); err != nil {
		return nil, fmt.Errorf("failed to register gateway metrics: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if opts.Timeout > 0 {
		r.Use(middleware.Timeout(opts.Timeout))
	}
	r.Use(g.instrument)

	r.Post("/act", g.act)
	r.Get("/health", g.health)
	r.Get("/members", g.members)
	r.Method(http.MethodGet, opts.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	if opts.Routes != nil {
		opts.Routes(r, d)
	}

	g.handler = r
	return g, nil
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// Handler returns the routes, for embedding or tests.
func (g *Gateway) Handler() http.Handler {
	return g.handler
}

// Start binds the configured address and serves in the background.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.server != nil {
		return ErrAlreadyStarted
	}

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", g.opts.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", g.opts.Address, err)
	}

	g.listener = ln
	g.server = &http.Server{
		Handler:           g.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.done = make(chan struct{})

	go func(srv *http.Server, done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.logger.Error("gateway stopped", zap.Error(err))
		}
	}(g.server, g.done)

	g.logger.Info("gateway listening", zap.String("address", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Start.
func (g *Gateway) Addr() net.Addr {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return nil
	}
	return g.listener.Addr()
}

// Stop shuts the server down gracefully.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	srv, done := g.server, g.done
	g.server, g.listener = nil, nil
	g.mu.Unlock()

	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	return err
}

func (g *Gateway) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		g.requests.WithLabelValues(route, strconv.Itoa(status)).Inc()
		g.duration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

func (g *Gateway) act(w http.ResponseWriter, r *http.Request) {
	var req ActRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})
		return
	}

	var opts []core.ActOption
	if len(req.Mixin) > 0 {
		opts = append(opts, core.WithMixin(req.Mixin...))
	}

	res, err := g.dispatcher.ActE(r.Context(), pattern.Literal(req.Pattern), req.Data, opts...)
	if err != nil {
		g.fail(w, req.Pattern, err)
		return
	}
	WriteResult(w, res)
}

func (g *Gateway) health(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) members(w http.ResponseWriter, r *http.Request) {
	res, err := g.dispatcher.Act(r.Context(), pattern.Literal(mesh.MembersPattern), nil)
	if err != nil {
		g.fail(w, mesh.MembersPattern, err)
		return
	}
	members, err := mesh.DecodeMembers(res)
	if err != nil {
		g.fail(w, mesh.MembersPattern, err)
		return
	}
	if members == nil {
		members = []mesh.Member{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"members": members})
}

func (g *Gateway) fail(w http.ResponseWriter, p string, err error) {
	status, _ := StatusOf(err)
	if status >= http.StatusInternalServerError {
		g.logger.Warn("act failed", zap.String("pattern", p), zap.Error(err))
	}
	WriteError(w, err)
}

// WriteError answers with the status and body StatusOf derives from err.
func WriteError(w http.ResponseWriter, err error) {
	status, code := StatusOf(err)
	WriteJSON(w, status, ErrorResponse{Error: err.Error(), Code: code})
}

// WriteResult answers with res, using its "code" as the status.
func WriteResult(w http.ResponseWriter, res core.Msg) {
	if res == nil {
		res = core.Msg{}
	}
	WriteJSON(w, statusOf(res), res)
}

// StatusOf maps a dispatch error to an HTTP status and boundary code.
func StatusOf(err error) (int, string) {
	switch {
	case errors.Is(err, pattern.ErrEmptyPattern), errors.Is(err, pattern.ErrInvalidPattern):
		return http.StatusBadRequest, ""
	case errors.Is(err, core.ErrNoTarget):
		return http.StatusNotFound, core.ErrNoTarget.Error()
	case errors.Is(err, core.ErrNoCurrentTarget):
		return http.StatusServiceUnavailable, core.ErrNoCurrentTarget.Error()
	case errors.Is(err, core.ErrAllTargetsOverloaded):
		return http.StatusServiceUnavailable, core.ErrAllTargetsOverloaded.Error()
	case errors.Is(err, core.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, core.TimeoutMessage
	}
	return http.StatusInternalServerError, ""
}

// statusOf reads an HTTP status from the result's "code".
func statusOf(res core.Msg) int {
	var code int
	switch c := res["code"].(type) {
	case int:
		code = c
	case int64:
		code = int(c)
	case float64:
		code = int(c)
	case json.Number:
		n, _ := c.Int64()
		code = int(n)
	}
	if code < 100 || code > 599 {
		return http.StatusOK
	}
	return code
}

// WriteJSON encodes v with the given status.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
