package connection

import (
	"context"
	"fmt"
	"time"

	"github.com/LeventeLantos/messaging-gateway/internal/model"
)

// Registry holds one machine per service.
type Registry struct {
	machines map[model.Service]*Machine
	order    []model.Service
}

func NewRegistry(machines ...*Machine) *Registry {
	r := &Registry{machines: make(map[model.Service]*Machine, len(machines))}
	for _, m := range machines {
		if _, dup := r.machines[m.Service()]; !dup {
			r.order = append(r.order, m.Service())
		}
		r.machines[m.Service()] = m
	}
	return r
}

func (r *Registry) Get(service model.Service) (*Machine, error) {
	m, ok := r.machines[service]
	if !ok {
		return nil, fmt.Errorf("service %q is not enabled", service)
	}
	return m, nil
}

// All returns machines in registration order.
func (r *Registry) All() []*Machine {
	out := make([]*Machine, 0, len(r.order))
	for _, s := range r.order {
		out = append(out, r.machines[s])
	}
	return out
}

// RestoreAll loads persisted state for every machine; the first error wins
// but every machine is attempted.
func (r *Registry) RestoreAll(ctx context.Context) error {
	var first error
	for _, m := range r.All() {
		if err := m.Restore(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ReconnectAll starts a bounded reconnect loop per resumable machine and
// returns immediately.
func (r *Registry) ReconnectAll(ctx context.Context, attempts int, backoff time.Duration) {
	for _, m := range r.All() {
		if !m.CanAutoReconnect() {
			continue
		}
		go func(m *Machine) {
			if err := m.Reconnect(ctx, attempts, backoff); err != nil {
				m.log.Warn("auto-reconnect gave up", "error", err)
			}
		}(m)
	}
}
