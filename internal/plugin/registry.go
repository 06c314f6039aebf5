package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

type hookRegistration struct {
	handler  HookHandler
	priority int
	seq      int // registration order, stabilizes equal priorities
}

// Registry implements Host. It fans hook events out to handlers in priority
// order, owns the command and gateway-method tables, and runs service
// lifecycle.
type Registry struct {
	logger *zap.Logger

	mu       sync.RWMutex
	hooks    map[Hook][]hookRegistration
	commands map[string]Command
	methods  map[string]GatewayMethodFunc
	services []Service
	seq      int

	agentIDs []string

	started bool
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger:   logger,
		hooks:    make(map[Hook][]hookRegistration),
		commands: make(map[string]Command),
		methods:  make(map[string]GatewayMethodFunc),
	}
}

// SetAgentIDs stores the roster extracted from the host config.
func (r *Registry) SetAgentIDs(ids []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agentIDs = append([]string(nil), ids...)
}

// AgentIDs returns the known agent roster.
func (r *Registry) AgentIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.agentIDs...)
}

// On registers a hook handler. Higher priority runs earlier; equal
// priorities run in registration order.
func (r *Registry) On(hook Hook, handler HookHandler, opts HookOptions) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.seq++
	regs := append(r.hooks[hook], hookRegistration{
		handler:  handler,
		priority: opts.Priority,
		seq:      r.seq,
	})
	sort.SliceStable(regs, func(i, j int) bool {
		if regs[i].priority != regs[j].priority {
			return regs[i].priority > regs[j].priority
		}
		return regs[i].seq < regs[j].seq
	})
	r.hooks[hook] = regs
}

// RegisterCommand adds a chat command. Names are unique.
func (r *Registry) RegisterCommand(cmd Command) error {
	if cmd.Name == "" || cmd.Handler == nil {
		return fmt.Errorf("command requires a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.commands[cmd.Name]; exists {
		return fmt.Errorf("command already registered: %s", cmd.Name)
	}
	r.commands[cmd.Name] = cmd
	return nil
}

// Command looks up a registered command.
func (r *Registry) Command(name string) (Command, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cmd, ok := r.commands[name]
	return cmd, ok
}

// Commands returns all registered commands sorted by name.
func (r *Registry) Commands() []Command {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Command, 0, len(r.commands))
	for _, cmd := range r.commands {
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// RegisterGatewayMethod adds an RPC-style method. Names are unique.
func (r *Registry) RegisterGatewayMethod(name string, handler GatewayMethodFunc) error {
	if name == "" || handler == nil {
		return fmt.Errorf("gateway method requires a name and a handler")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.methods[name]; exists {
		return fmt.Errorf("gateway method already registered: %s", name)
	}
	r.methods[name] = handler
	return nil
}

// GatewayMethod looks up a registered method.
func (r *Registry) GatewayMethod(name string) (GatewayMethodFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.methods[name]
	return m, ok
}

// RegisterService adds a background service. Services registered after
// StartServices are started immediately.
func (r *Registry) RegisterService(svc Service) error {
	if svc.ID == "" {
		return fmt.Errorf("service requires an id")
	}

	r.mu.Lock()
	started := r.started
	r.services = append(r.services, svc)
	r.mu.Unlock()

	if started && svc.Start != nil {
		if err := svc.Start(context.Background()); err != nil {
			return fmt.Errorf("failed to start service %s: %w", svc.ID, err)
		}
	}
	return nil
}

// StartServices starts all registered services in registration order.
func (r *Registry) StartServices(ctx context.Context) error {
	r.mu.Lock()
	services := append([]Service(nil), r.services...)
	r.started = true
	r.mu.Unlock()

	for _, svc := range services {
		if svc.Start == nil {
			continue
		}
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service %s: %w", svc.ID, err)
		}
		r.logger.Debug("service started", zap.String("service", svc.ID))
	}
	return nil
}

// StopServices stops services in reverse registration order. Stop errors are
// logged, not returned, so one failing service cannot wedge shutdown.
func (r *Registry) StopServices(ctx context.Context) {
	r.mu.Lock()
	services := append([]Service(nil), r.services...)
	r.started = false
	r.mu.Unlock()

	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if svc.Stop == nil {
			continue
		}
		if err := svc.Stop(ctx); err != nil {
			r.logger.Warn("service stop failed", zap.String("service", svc.ID), zap.Error(err))
			continue
		}
		r.logger.Debug("service stopped", zap.String("service", svc.ID))
	}
}
