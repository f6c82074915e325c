package discovery

import (
	"context"
	"fmt"
	"time"

	consulapi "github.com/hashicorp/consul/api"
)

// ConsulProvider implements Provider against a Consul agent, mirroring
// ConsulServiceRegistry's register/deregister/discover/kv operations.
type ConsulProvider struct {
	client *consulapi.Client
}

// NewConsulProvider dials a Consul agent at addr (empty uses the client's
// default of http://127.0.0.1:8500).
func NewConsulProvider(addr string) (*ConsulProvider, error) {
	cfg := consulapi.DefaultConfig()
	if addr != "" {
		cfg.Address = addr
	}
	client, err := consulapi.NewClient(cfg)
	if err != nil {
		return nil, fmt.Errorf("discovery: consul client: %w", err)
	}
	return &ConsulProvider{client: client}, nil
}

func (p *ConsulProvider) Register(ctx context.Context, serviceID, name, host string, port int, tags []string, meta map[string]string, check CheckSpec) error {
	reg := &consulapi.AgentServiceRegistration{
		ID:      serviceID,
		Name:    name,
		Address: host,
		Port:    port,
		Tags:    tags,
		Meta:    meta,
	}
	if check.HTTP != "" {
		interval := check.IntervalSeconds
		if interval <= 0 {
			interval = 10
		}
		timeout := check.TimeoutSeconds
		if timeout <= 0 {
			timeout = 5
		}
		deregisterAfter := check.DeregisterCriticalAfterSeconds
		if deregisterAfter <= 0 {
			deregisterAfter = 30
		}
		reg.Check = &consulapi.AgentServiceCheck{
			HTTP:                           check.HTTP,
			Interval:                       fmt.Sprintf("%ds", interval),
			Timeout:                        fmt.Sprintf("%ds", timeout),
			DeregisterCriticalServiceAfter: fmt.Sprintf("%ds", deregisterAfter),
		}
	}
	// ctx bounds our own caller; the Agent API has no per-call context and
	// completes synchronously against the local consul agent.
	_ = ctx
	return p.client.Agent().ServiceRegister(reg)
}

func (p *ConsulProvider) Deregister(ctx context.Context, serviceID string) error {
	_ = ctx
	return p.client.Agent().ServiceDeregister(serviceID)
}

func (p *ConsulProvider) Service(ctx context.Context, name string, passingOnly bool) ([]ServiceEntry, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	entries, _, err := p.client.Health().Service(name, "", passingOnly, opts)
	if err != nil {
		return nil, fmt.Errorf("discovery: service %q: %w", name, err)
	}
	return toServiceEntries(entries), nil
}

func (p *ConsulProvider) KVGet(ctx context.Context, key string) ([]byte, bool, error) {
	opts := (&consulapi.QueryOptions{}).WithContext(ctx)
	pair, _, err := p.client.KV().Get(key, opts)
	if err != nil {
		return nil, false, fmt.Errorf("discovery: kv_get %q: %w", key, err)
	}
	if pair == nil {
		return nil, false, nil
	}
	return pair.Value, true, nil
}

func (p *ConsulProvider) KVPut(ctx context.Context, key string, value []byte) error {
	opts := (&consulapi.WriteOptions{}).WithContext(ctx)
	_, err := p.client.KV().Put(&consulapi.KVPair{Key: key, Value: value}, opts)
	if err != nil {
		return fmt.Errorf("discovery: kv_put %q: %w", key, err)
	}
	return nil
}

func (p *ConsulProvider) Watch(ctx context.Context, name string, waitIndex uint64) ([]ServiceEntry, uint64, error) {
	opts := (&consulapi.QueryOptions{
		WaitIndex: waitIndex,
		WaitTime:  30 * time.Second,
	}).WithContext(ctx)

	entries, meta, err := p.client.Health().Service(name, "", false, opts)
	if err != nil {
		return nil, waitIndex, fmt.Errorf("discovery: watch %q: %w", name, err)
	}
	return toServiceEntries(entries), meta.LastIndex, nil
}

func toServiceEntries(entries []*consulapi.ServiceEntry) []ServiceEntry {
	out := make([]ServiceEntry, 0, len(entries))
	for _, e := range entries {
		passing := true
		for _, check := range e.Checks {
			if check.Status != consulapi.HealthPassing {
				passing = false
				break
			}
		}
		out = append(out, ServiceEntry{
			ServiceID: e.Service.ID,
			Name:      e.Service.Service,
			Address:   e.Service.Address,
			Port:      e.Service.Port,
			Tags:      e.Service.Tags,
			Meta:      e.Service.Meta,
			Passing:   passing,
		})
	}
	return out
}
