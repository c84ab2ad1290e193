package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
)

// Dispatcher is the router surface a listener serves.
type Dispatcher interface {
	Act(ctx context.Context, spec pattern.Spec, data core.Msg) (core.Msg, error)
	ActE(ctx context.Context, spec pattern.Spec, data core.Msg, opts ...core.ActOption) (core.Msg, error)
}

// ListenerConfig configures a Listener.
type ListenerConfig struct {
	Host string
	Port int

	// MaxListenAttempts bounds binds retried on EADDRINUSE
	MaxListenAttempts int

	// AttemptDelay is the jitter range added to the 100ms retry pause
	AttemptDelay time.Duration

	// QueueSize is the reply buffer of one connection
	QueueSize int
}

// DefaultListenerConfig returns the default listener settings.
func DefaultListenerConfig() ListenerConfig {
	return ListenerConfig{
		Host:              "0.0.0.0",
		Port:              10201,
		MaxListenAttempts: 11,
		AttemptDelay:      222 * time.Millisecond,
		QueueSize:         100,
	}
}

// Statistics are the running counters of a listener.
type Statistics struct {
	Requests    int64
	Replies     int64
	Errors      int64
	Connections int
}

// Listener accepts connections and serves frames against a Dispatcher.
type Listener struct {
	config ListenerConfig
	router Dispatcher
	logger *zap.Logger

	listener net.Listener
	conns    map[*serverConn]struct{}
	connMu   sync.Mutex

	requests atomic.Int64
	replies  atomic.Int64
	failures atomic.Int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
}

// serverConn is one accepted connection.
type serverConn struct {
	conn     net.Conn
	sendChan chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// outbound is a queued reply. The connection is closed after a last reply is
// written.
type outbound struct {
	frame *Frame
	last  bool
}

// NewListener creates a listener serving router.
func NewListener(config ListenerConfig, router Dispatcher, logger *zap.Logger) *Listener {
	def := DefaultListenerConfig()
	if config.QueueSize <= 0 {
		config.QueueSize = def.QueueSize
	}
	if config.AttemptDelay <= 0 {
		config.AttemptDelay = def.AttemptDelay
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Listener{
		config: config,
		router: router,
		logger: logger.Named("listen"),
		conns:  make(map[*serverConn]struct{}),
	}
}

// Listen binds the configured address and starts accepting. Port 0 binds a
// random port; Addr reports the result.
func (l *Listener) Listen(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return fmt.Errorf("listener already started")
	}

	addr := net.JoinHostPort(l.config.Host, strconv.Itoa(l.config.Port))
	var lc net.ListenConfig
	var ln net.Listener
	var err error
	for attempt := 0; ; attempt++ {
		ln, err = lc.Listen(ctx, "tcp", addr)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EADDRINUSE) || attempt >= l.config.MaxListenAttempts {
			l.started.Store(false)
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		delay := 100*time.Millisecond + rand.N(l.config.AttemptDelay)
		l.logger.Info("address in use, retrying",
			zap.String("addr", addr),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay))

		select {
		case <-ctx.Done():
			l.started.Store(false)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	l.listener = ln
	l.ctx, l.cancel = context.WithCancel(context.Background())

	l.wg.Add(1)
	go l.acceptLoop()

	l.logger.Debug("listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	if l.listener == nil {
		return nil
	}
	return l.listener.Addr()
}

// Port returns the bound port.
func (l *Listener) Port() int {
	if tcp, ok := l.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return l.config.Port
}

// Close stops accepting, closes live connections and waits for their
// goroutines.
func (l *Listener) Close() error {
	if !l.started.CompareAndSwap(true, false) {
		return nil
	}

	err := l.listener.Close()

	l.connMu.Lock()
	for sc := range l.conns {
		sc.close()
	}
	l.connMu.Unlock()

	l.cancel()
	l.wg.Wait()
	return err
}

// Statistics returns a snapshot of the listener counters.
func (l *Listener) Statistics() Statistics {
	l.connMu.Lock()
	n := len(l.conns)
	l.connMu.Unlock()

	return Statistics{
		Requests:    l.requests.Load(),
		Replies:     l.replies.Load(),
		Errors:      l.failures.Load(),
		Connections: n,
	}
}

func (l *Listener) acceptLoop() {
	defer l.wg.Done()

	for {
		conn, err := l.listener.Accept()
		if err != nil {
			select {
			case <-l.ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			l.failures.Add(1)
			continue
		}

		sc := &serverConn{
			conn:     conn,
			sendChan: make(chan outbound, l.config.QueueSize),
		}
		sc.ctx, sc.cancel = context.WithCancel(l.ctx)

		l.connMu.Lock()
		l.conns[sc] = struct{}{}
		l.connMu.Unlock()

		l.logger.Debug("connection", zap.String("remote", conn.RemoteAddr().String()))

		l.wg.Add(2)
		go l.readLoop(sc)
		go l.sendLoop(sc)
	}
}

func (l *Listener) readLoop(sc *serverConn) {
	defer l.wg.Done()

	closeOnExit := true
	defer func() {
		l.connMu.Lock()
		delete(l.conns, sc)
		l.connMu.Unlock()
		if closeOnExit {
			sc.close()
		}
	}()

	var calls sync.WaitGroup
	defer calls.Wait()

	decoder := json.NewDecoder(sc.conn)
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				l.failures.Add(1)
				// the writer closes the connection once this is out
				closeOnExit = false
				l.send(sc, outbound{frame: &Frame{Error: &WireError{Message: ErrInvalidJSON}}, last: true})
			}
			return
		}

		var f Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			l.failures.Add(1)
			l.reply(sc, &Frame{Input: raw, Error: &WireError{Message: ErrInvalidJSON}})
			continue
		}

		l.requests.Add(1)
		calls.Add(1)
		go func() {
			defer calls.Done()
			out := l.handle(sc.ctx, &f, raw)
			if out != nil {
				l.reply(sc, out)
			}
		}()
	}
}

// handle runs one request frame and returns the reply, or nil for
// asynchronous requests.
func (l *Listener) handle(ctx context.Context, f *Frame, raw json.RawMessage) *Frame {
	if f.Kind != KindAct && f.Kind != KindActE {
		return &Frame{Input: raw, Error: &WireError{Message: ErrUnknownMethod}}
	}

	var res core.Msg
	var err error
	if f.Kind == KindActE {
		res, err = l.router.ActE(ctx, pattern.Literal(f.Pattern), f.Data)
	} else {
		res, err = l.router.Act(ctx, pattern.Attributes(f.Args), f.Args)
	}

	if !f.IsSync() {
		if err != nil {
			l.logger.Debug("async call failed", zap.String("id", f.ID), zap.Error(err))
		}
		return nil
	}

	out := &Frame{ID: f.ID, Kind: KindResult, Sync: boolPtr(true)}
	if err != nil {
		out.Error = encodeError(err)
	} else {
		out.Result = res
	}
	return out
}

func (l *Listener) reply(sc *serverConn, f *Frame) {
	l.send(sc, outbound{frame: f})
}

func (l *Listener) send(sc *serverConn, out outbound) {
	select {
	case sc.sendChan <- out:
	case <-sc.ctx.Done():
	}
}

func (l *Listener) sendLoop(sc *serverConn) {
	defer l.wg.Done()

	encoder := json.NewEncoder(sc.conn)
	for {
		select {
		case <-sc.ctx.Done():
			return
		case out := <-sc.sendChan:
			if err := encoder.Encode(out.frame); err != nil {
				l.failures.Add(1)
				sc.close()
				return
			}
			l.replies.Add(1)
			if out.last {
				sc.close()
				return
			}
		}
	}
}

func (sc *serverConn) close() {
	sc.once.Do(func() {
		sc.cancel()
		sc.conn.Close()
	})
}
