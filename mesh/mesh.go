package mesh

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/WizardTales/MicroWizard/balance"
	"github.com/WizardTales/MicroWizard/core"
	"github.com/WizardTales/MicroWizard/pattern"
	"github.com/WizardTales/MicroWizard/transport"
)

// Patterns served by every mesh node.
const (
	MembersPattern = "role:mesh,get:members"
	BasesPattern   = "role:mesh,get:bases"

	// nullPin marks a member that serves nothing
	nullPin = "null:true"
)

// ErrAlreadyJoined is returned by a second Join.
var ErrAlreadyJoined = errors.New("mesh already joined")

// Config configures a Mesh.
type Config struct {
	// Host and Port are advertised to peers
	Host string
	Port int

	// Pins are served by this node and never proxied to peers
	Pins  []string
	Model string
	Base  bool

	Instance string

	Heartbeat time.Duration
	TTL       time.Duration
	Poll      time.Duration

	// Client is the template for peer transport clients
	Client transport.ClientConfig
}

// DefaultConfig returns the default mesh timings.
func DefaultConfig() Config {
	return Config{
		Model:     "consume",
		Heartbeat: time.Second,
		TTL:       5 * time.Second,
		Poll:      time.Second,
		Client:    transport.DefaultClientConfig(),
	}
}

// pinState tracks the balanced proxy of one remote pin.
type pinState struct {
	binding *balance.Binding
	reg     *core.Registration
	targets map[string]struct{}
}

// Mesh joins a node to its peers.
type Mesh struct {
	config   Config
	id       string
	router   *core.Router
	balance  *balance.Client
	registry Registry
	logger   *zap.Logger

	mu      sync.Mutex
	known   map[string]Member
	pins    map[string]*pinState
	clients map[string]*transport.Client
	own     map[string]struct{}
	regs    []*core.Registration

	cancel context.CancelFunc
	group  *errgroup.Group
	joined bool
}

// New creates a mesh for router. The mesh handlers are registered at once.
func New(config Config, router *core.Router, client *balance.Client, registry Registry, logger *zap.Logger) (*Mesh, error) {
	def := DefaultConfig()
	if config.Heartbeat <= 0 {
		config.Heartbeat = def.Heartbeat
	}
	if config.TTL <= 0 {
		config.TTL = def.TTL
	}
	if config.Poll <= 0 {
		config.Poll = def.Poll
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Mesh{
		config:   config,
		id:       uuid.NewString(),
		router:   router,
		balance:  client,
		registry: registry,
		logger:   logger.Named("mesh"),
		known:    make(map[string]Member),
		pins:     make(map[string]*pinState),
		clients:  make(map[string]*transport.Client),
		own:      make(map[string]struct{}),
	}

	for _, pin := range config.Pins {
		p, err := pattern.Compile(pattern.Literal(pin))
		if err != nil {
			return nil, fmt.Errorf("invalid listen pin %q: %w", pin, err)
		}
		m.own[p.Canonical()] = struct{}{}
	}

	if err := m.registerHandlers(); err != nil {
		return nil, err
	}
	return m, nil
}

// ID returns the member id of this node.
func (m *Mesh) ID() string {
	return m.id
}

// Self returns the member record this node publishes.
func (m *Mesh) Self() Member {
	return Member{
		ID:       m.id,
		Instance: m.config.Instance,
		Host:     m.config.Host,
		Port:     m.config.Port,
		Pins:     m.config.Pins,
		Model:    m.config.Model,
		Base:     m.config.Base,
	}
}

// SetPort updates the advertised port, for listeners bound to port 0.
func (m *Mesh) SetPort(port int) {
	m.config.Port = port
}

// Join publishes this node, syncs once and keeps heartbeat and poll loops
// running until Leave.
func (m *Mesh) Join(ctx context.Context) error {
	m.mu.Lock()
	if m.joined {
		m.mu.Unlock()
		return ErrAlreadyJoined
	}
	m.joined = true
	m.mu.Unlock()

	self := m.Self()
	self.Joined = time.Now().Unix()
	if err := m.registry.Register(ctx, self, m.config.TTL); err != nil {
		m.mu.Lock()
		m.joined = false
		m.mu.Unlock()
		return fmt.Errorf("failed to join mesh: %w", err)
	}
	if err := m.Sync(ctx); err != nil {
		m.logger.Warn("initial sync failed", zap.Error(err))
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(loopCtx)
	m.cancel = cancel
	m.group = g

	g.Go(func() error {
		return m.every(gctx, m.config.Heartbeat, func(ctx context.Context) error {
			return m.registry.Register(ctx, self, m.config.TTL)
		})
	})
	g.Go(func() error {
		return m.every(gctx, m.config.Poll, m.Sync)
	})

	m.logger.Info("joined mesh", zap.String("id", m.id), zap.Strings("pins", m.config.Pins))
	return nil
}

func (m *Mesh) every(ctx context.Context, interval time.Duration, fn func(context.Context) error) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := fn(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("mesh loop failed", zap.Error(err))
			}
		}
	}
}

// Sync reconciles the local view with the registry: new members are wired in,
// vanished members are removed.
func (m *Mesh) Sync(ctx context.Context) error {
	members, err := m.registry.Members(ctx)
	if err != nil {
		return err
	}

	live := make(map[string]Member, len(members))
	for _, member := range members {
		live[member.ID] = member
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for id, member := range m.known {
		if _, ok := live[id]; !ok {
			m.removeMember(member)
		}
	}
	for id, member := range live {
		if _, ok := m.known[id]; !ok {
			m.addMember(member)
		}
	}
	return nil
}

// addMember wires every pin of member into the router. Callers hold m.mu.
func (m *Mesh) addMember(member Member) {
	m.known[member.ID] = member
	if member.ID == m.id {
		return
	}

	for _, pin := range member.Pins {
		p, err := pattern.Compile(pattern.Literal(pin))
		if err != nil {
			m.logger.Warn("ignoring invalid pin", zap.String("member", member.ID), zap.String("pin", pin))
			continue
		}
		canon := p.Canonical()
		if canon == nullPin {
			continue
		}
		if _, ok := m.own[canon]; ok {
			continue
		}

		id := canon + "~" + member.ID
		st := m.pins[canon]
		if st != nil {
			if _, dup := st.targets[id]; dup {
				continue
			}
		} else {
			st, err = m.bind(canon, member.Model)
			if err != nil {
				m.logger.Warn("failed to bind pin", zap.String("pin", canon), zap.Error(err))
				continue
			}
		}

		client, err := m.client(member)
		if err != nil {
			m.logger.Warn("failed to create client", zap.String("member", member.ID), zap.Error(err))
			continue
		}

		handle := m.balance.MakeHandle(balance.TargetConfig{
			ID:    id,
			Pin:   canon,
			Host:  member.Host,
			Port:  member.Port,
			Model: member.Model,
		})
		if err := handle(canon, balance.Action{ID: id, Call: client.Send}); err != nil {
			m.logger.Warn("failed to add target", zap.String("id", id), zap.Error(err))
			continue
		}
		st.targets[id] = struct{}{}
	}

	m.logger.Debug("member added", zap.String("member", member.ID), zap.Strings("pins", member.Pins))
}

// bind creates the balanced proxy for a pin and registers it in the router.
func (m *Mesh) bind(canon, model string) (*pinState, error) {
	binding, err := m.balance.AddClient(balance.ClientSpec{Pin: canon, Model: model})
	if err != nil {
		return nil, err
	}
	reg, err := m.router.Add(pattern.Literal(canon), binding.Handler())
	if err != nil {
		return nil, err
	}

	st := &pinState{binding: binding, reg: reg, targets: make(map[string]struct{})}
	m.pins[canon] = st
	return st, nil
}

func (m *Mesh) client(member Member) (*transport.Client, error) {
	if c, ok := m.clients[member.ID]; ok {
		return c, nil
	}

	cfg := m.config.Client
	cfg.ID = member.ID
	cfg.Host = member.Host
	cfg.Port = member.Port
	c, err := transport.NewClient(cfg, m.logger)
	if err != nil {
		return nil, err
	}
	m.clients[member.ID] = c
	return c, nil
}

// removeMember unwires member. A pin without targets loses its proxy, so
// calls for it resolve to no-target again. Callers hold m.mu.
func (m *Mesh) removeMember(member Member) {
	delete(m.known, member.ID)
	if member.ID == m.id {
		return
	}

	for _, pin := range member.Pins {
		p, err := pattern.Compile(pattern.Literal(pin))
		if err != nil {
			continue
		}
		canon := p.Canonical()
		id := canon + "~" + member.ID

		st := m.pins[canon]
		if st == nil {
			continue
		}
		if err := m.balance.RemoveClient(balance.ClientSpec{Pin: canon, Config: balance.TargetConfig{ID: id}}); err != nil {
			m.logger.Warn("failed to remove target", zap.String("id", id), zap.Error(err))
		}
		delete(st.targets, id)

		if len(st.targets) == 0 {
			st.reg.Remove()
			delete(m.pins, canon)
		}
	}

	if c, ok := m.clients[member.ID]; ok {
		c.Close()
		delete(m.clients, member.ID)
	}

	m.logger.Debug("member removed", zap.String("member", member.ID))
}

// Members returns the members currently known, in id order.
func (m *Mesh) Members() []Member {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Member, 0, len(m.known))
	for _, member := range m.known {
		out = append(out, member)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Leave stops the loops, unpublishes this node and unwires every peer.
func (m *Mesh) Leave(ctx context.Context) error {
	m.mu.Lock()
	if !m.joined {
		m.mu.Unlock()
		return nil
	}
	m.joined = false
	m.mu.Unlock()

	m.cancel()
	_ = m.group.Wait()

	err := m.registry.Deregister(ctx, m.id)

	m.mu.Lock()
	for _, member := range m.known {
		m.removeMember(member)
	}
	m.mu.Unlock()

	m.logger.Info("left mesh", zap.String("id", m.id))
	return err
}

// Close leaves the mesh and drops the mesh handlers.
func (m *Mesh) Close() error {
	err := m.Leave(context.Background())
	for _, reg := range m.regs {
		reg.Remove()
	}
	m.regs = nil
	return err
}
