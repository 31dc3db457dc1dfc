package sandbox

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/jkaninda/plugbox/internal/events"
	"github.com/jkaninda/plugbox/internal/security"
)

// PolicyStore persists named policies. Implemented by the storage backends.
type PolicyStore interface {
	SavePolicy(ctx context.Context, p security.SecurityPolicy) error
	ListPolicies(ctx context.Context) ([]security.SecurityPolicy, error)
}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Sandbox options applied to every sandbox the manager creates.
	// Bus and Logger are overridden by the manager's own.
	Sandbox Options
	// Store, when set, receives every RegisterPolicy write.
	Store  PolicyStore
	Bus    *events.Bus
	Logger *slog.Logger
}

// Manager is the registry of sandboxes and named policies.
//
// The registry lock is never held while calling into a sandbox.
type Manager struct {
	mu        sync.RWMutex
	sandboxes map[string]*PluginSandbox
	pending   map[string]struct{}
	policies  map[string]security.SecurityPolicy

	sandboxOpts Options
	store       PolicyStore
	bus         *events.Bus
	logger      *slog.Logger
}

// NewManager creates a manager seeded with the four default policies.
func NewManager(cfg ManagerConfig) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.NewBus()
	}
	opts := cfg.Sandbox
	opts.Bus = bus
	opts.Logger = logger

	return &Manager{
		sandboxes:   make(map[string]*PluginSandbox),
		pending:     make(map[string]struct{}),
		policies:    security.DefaultPolicies(),
		sandboxOpts: opts,
		store:       cfg.Store,
		bus:         bus,
		logger:      logger,
	}
}

var (
	defaultOnce    sync.Once
	defaultManager *Manager
)

// Default returns the process-wide manager, created on first use with
// default options and the four preset policies.
func Default() *Manager {
	defaultOnce.Do(func() {
		defaultManager = NewManager(ManagerConfig{})
	})
	return defaultManager
}

// Bus returns the bus that carries every sandbox and manager event.
func (m *Manager) Bus() *events.Bus { return m.bus }

// CreateSandbox registers, initializes and returns a new sandbox. The id must
// be non-empty and unused. An initialization failure leaves nothing registered.
func (m *Manager) CreateSandbox(id string, policy security.SecurityPolicy) (*PluginSandbox, error) {
	if strings.TrimSpace(id) == "" {
		return nil, fmt.Errorf("%w: sandbox id is empty", security.ErrInvalidArgument)
	}

	m.mu.Lock()
	if _, ok := m.sandboxes[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: sandbox %q already exists", security.ErrInvalidArgument, id)
	}
	if _, ok := m.pending[id]; ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: sandbox %q already exists", security.ErrInvalidArgument, id)
	}
	m.pending[id] = struct{}{}
	m.mu.Unlock()

	sb := New(id, policy, m.sandboxOpts)
	if err := sb.Initialize(); err != nil {
		m.mu.Lock()
		delete(m.pending, id)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	delete(m.pending, id)
	m.sandboxes[id] = sb
	m.mu.Unlock()

	m.logger.Info("sandbox created",
		slog.String("sandbox_id", id),
		slog.String("policy", policy.Name),
	)
	m.publish(events.TopicSandboxCreated, id, map[string]any{"policy": policy.Name})
	return sb, nil
}

// Sandbox returns the sandbox registered as id, or nil.
func (m *Manager) Sandbox(id string) *PluginSandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sandboxes[id]
}

// RemoveSandbox shuts the sandbox down and unregisters it. Unknown ids are ignored.
func (m *Manager) RemoveSandbox(id string) {
	m.mu.Lock()
	sb, ok := m.sandboxes[id]
	delete(m.sandboxes, id)
	m.mu.Unlock()
	if !ok {
		return
	}

	sb.Shutdown()
	m.logger.Info("sandbox removed", slog.String("sandbox_id", id))
	m.publish(events.TopicSandboxRemoved, id, nil)
}

// ActiveSandboxes returns the sorted ids of sandboxes that report IsActive.
func (m *Manager) ActiveSandboxes() []string {
	m.mu.RLock()
	all := make([]*PluginSandbox, 0, len(m.sandboxes))
	for _, sb := range m.sandboxes {
		all = append(all, sb)
	}
	m.mu.RUnlock()

	ids := make([]string, 0, len(all))
	for _, sb := range all {
		if sb.IsActive() {
			ids = append(ids, sb.ID())
		}
	}
	sort.Strings(ids)
	return ids
}

// SandboxIDs returns the sorted ids of every registered sandbox.
func (m *Manager) SandboxIDs() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sandboxes))
	for id := range m.sandboxes {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ShutdownAll shuts down every sandbox in parallel and clears the registry.
func (m *Manager) ShutdownAll() {
	m.mu.Lock()
	all := m.sandboxes
	m.sandboxes = make(map[string]*PluginSandbox)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sb := range all {
		wg.Add(1)
		go func(sb *PluginSandbox) {
			defer wg.Done()
			sb.Shutdown()
		}(sb)
	}
	wg.Wait()

	ids := make([]string, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		m.publish(events.TopicSandboxRemoved, id, nil)
	}
	if len(ids) > 0 {
		m.logger.Info("all sandboxes shut down", slog.Int("count", len(ids)))
	}
}

// RegisterPolicy stores a copy of p under name, replacing any previous
// policy. The stored copy is renamed to name. With a PolicyStore the write
// goes through to storage first.
func (m *Manager) RegisterPolicy(ctx context.Context, name string, p security.SecurityPolicy) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: policy name is empty", security.ErrInvalidArgument)
	}
	p = p.Clone()
	p.Name = name
	if m.store != nil {
		if err := m.store.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("saving policy %q: %w", name, err)
		}
	}
	m.mu.Lock()
	m.policies[name] = p
	m.mu.Unlock()
	m.logger.Info("policy registered", slog.String("policy", name))
	return nil
}

// Policy returns a copy of the named policy.
func (m *Manager) Policy(name string) (security.SecurityPolicy, error) {
	m.mu.RLock()
	p, ok := m.policies[name]
	m.mu.RUnlock()
	if !ok {
		return security.SecurityPolicy{}, fmt.Errorf("%w: policy %q", security.ErrNotFound, name)
	}
	return p.Clone(), nil
}

// Policies returns copies of every registered policy sorted by name.
func (m *Manager) Policies() []security.SecurityPolicy {
	m.mu.RLock()
	out := make([]security.SecurityPolicy, 0, len(m.policies))
	for _, p := range m.policies {
		out = append(out, p.Clone())
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// LoadStoredPolicies registers every policy in the store, overriding defaults
// of the same name. It returns the number loaded.
func (m *Manager) LoadStoredPolicies(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	stored, err := m.store.ListPolicies(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading stored policies: %w", err)
	}
	m.mu.Lock()
	for _, p := range stored {
		m.policies[p.Name] = p.Clone()
	}
	m.mu.Unlock()
	return len(stored), nil
}

func (m *Manager) publish(topic, id string, payload map[string]any) {
	m.bus.Publish(events.Event{Topic: topic, SandboxID: id, Payload: payload})
}
