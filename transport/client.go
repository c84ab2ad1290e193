package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/WizardTales/MicroWizard/core"
)

// ErrClientClosed is returned by Send after Close.
var ErrClientClosed = errors.New("transport client closed")

// ClientConfig configures a Client.
type ClientConfig struct {
	ID   string
	Host string
	Port int

	// Kind selects the remote entry point: KindAct resolves the message
	// attributes, KindActE resolves Pattern
	Kind    string
	Pattern string

	// Timeout bounds one send
	Timeout time.Duration

	// FailAfter bounds the dial attempts of one connect
	FailAfter uint

	// MaxPending bounds the calls awaiting a reply
	MaxPending int

	// Async sends without waiting for a reply
	Async bool
}

// DefaultClientConfig returns the default client settings.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Host:       "127.0.0.1",
		Port:       10201,
		Kind:       KindAct,
		Timeout:    5555 * time.Millisecond,
		FailAfter:  3,
		MaxPending: 10000,
	}
}

// Client sends calls to one remote listener over a lazily dialed connection.
type Client struct {
	config ClientConfig
	logger *zap.Logger

	mu   sync.Mutex
	conn *clientConn

	pending *lru.Cache[string, chan *Frame]
	closed  atomic.Bool
}

type clientConn struct {
	conn     net.Conn
	sendChan chan *Frame
	done     chan struct{}
	once     sync.Once
}

func (cc *clientConn) close() {
	cc.once.Do(func() {
		close(cc.done)
		cc.conn.Close()
	})
}

func (cc *clientConn) alive() bool {
	select {
	case <-cc.done:
		return false
	default:
		return true
	}
}

// NewClient creates a client. No connection is made before the first Send.
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	def := DefaultClientConfig()
	if config.ID == "" {
		config.ID = uuid.NewString()
	}
	if config.Host == "" || config.Host == "0.0.0.0" {
		config.Host = def.Host
	}
	if config.Kind == "" {
		config.Kind = def.Kind
	}
	if config.Kind != KindAct && config.Kind != KindActE {
		return nil, fmt.Errorf("unsupported kind %q", config.Kind)
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.FailAfter == 0 {
		config.FailAfter = def.FailAfter
	}
	if config.MaxPending <= 0 {
		config.MaxPending = def.MaxPending
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	pending, err := lru.New[string, chan *Frame](config.MaxPending)
	if err != nil {
		return nil, fmt.Errorf("failed to create call map: %w", err)
	}

	return &Client{
		config:  config,
		logger:  logger.Named("client").With(zap.String("id", config.ID)),
		pending: pending,
	}, nil
}

// ID returns the client id.
func (c *Client) ID() string {
	return c.config.ID
}

// Address returns the remote host:port.
func (c *Client) Address() string {
	return net.JoinHostPort(c.config.Host, strconv.Itoa(c.config.Port))
}

// Send delivers msg and waits for the reply. It satisfies core.Handler. A
// send that sees no reply within the configured timeout fails with
// core.ErrTimeout.
func (c *Client) Send(ctx context.Context, msg core.Msg, meta *core.Meta) (core.Msg, error) {
	if c.closed.Load() {
		return nil, ErrClientClosed
	}

	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	cc, err := c.connect(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, core.ErrTimeout
		}
		return nil, err
	}

	f := &Frame{ID: uuid.NewString(), Kind: c.config.Kind, Sync: boolPtr(!c.config.Async)}
	if f.Kind == KindActE {
		f.Pattern = c.config.Pattern
		f.Data = msg
	} else {
		f.Args = msg
	}

	var replyChan chan *Frame
	if !c.config.Async {
		replyChan = make(chan *Frame, 1)
		c.pending.Add(f.ID, replyChan)
		defer c.pending.Remove(f.ID)
	}

	select {
	case cc.sendChan <- f:
	case <-cc.done:
		return nil, fmt.Errorf("connection to %s closed", c.Address())
	case <-ctx.Done():
		return nil, c.ctxErr(ctx)
	}

	if c.config.Async {
		return core.Msg{}, nil
	}

	select {
	case reply := <-replyChan:
		if reply.Error != nil {
			return nil, reply.Error.Remote()
		}
		return reply.Result, nil
	case <-cc.done:
		return nil, fmt.Errorf("connection to %s closed", c.Address())
	case <-ctx.Done():
		return nil, c.ctxErr(ctx)
	}
}

func (c *Client) ctxErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.ErrTimeout
	}
	return ctx.Err()
}

// connect returns the live connection, dialing with backoff when there is none.
func (c *Client) connect(ctx context.Context) (*clientConn, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil && c.conn.alive() {
		return c.conn, nil
	}

	addr := c.Address()
	var dialer net.Dialer
	conn, err := backoff.Retry(ctx, func() (net.Conn, error) {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			c.logger.Debug("dial failed", zap.String("addr", addr), zap.Error(err))
			return nil, err
		}
		return conn, nil
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(c.config.FailAfter),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}

	cc := &clientConn{
		conn:     conn,
		sendChan: make(chan *Frame, 100),
		done:     make(chan struct{}),
	}
	go c.sendLoop(cc)
	go c.readLoop(cc)

	c.conn = cc
	c.logger.Debug("connected", zap.String("addr", addr))
	return cc, nil
}

func (c *Client) sendLoop(cc *clientConn) {
	encoder := json.NewEncoder(cc.conn)
	for {
		select {
		case <-cc.done:
			return
		case f := <-cc.sendChan:
			if err := encoder.Encode(f); err != nil {
				c.logger.Debug("write failed", zap.Error(err))
				cc.close()
				return
			}
		}
	}
}

func (c *Client) readLoop(cc *clientConn) {
	defer cc.close()

	decoder := json.NewDecoder(cc.conn)
	for {
		var f Frame
		if err := decoder.Decode(&f); err != nil {
			if cc.alive() {
				c.logger.Debug("connection lost", zap.Error(err))
			}
			return
		}

		if f.Kind != KindResult {
			c.logger.Warn("invalid kind", zap.String("kind", f.Kind), zap.Any("error", f.Error))
			continue
		}
		if f.ID == "" {
			c.logger.Warn("reply without message id")
			continue
		}
		if !f.IsSync() {
			continue
		}

		replyChan, ok := c.pending.Get(f.ID)
		if !ok {
			// a slow reply that arrived after its send timed out
			c.logger.Warn("unknown message id", zap.String("msg_id", f.ID))
			continue
		}
		c.pending.Remove(f.ID)
		replyChan <- &f
	}
}

// Close drops the connection and fails pending sends.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.close()
		c.conn = nil
	}
	c.pending.Purge()
	return nil
}
