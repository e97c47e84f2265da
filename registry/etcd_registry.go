// Package registry lets facegate servers announce themselves in etcd and lets
// clients find them.
//
//	Key:   /facegate/{ServiceName}/{Addr}
//	Value: JSON-encoded ServiceInstance
//
// Registration uses TTL-based leases: if the server dies, the lease expires and
// the entry disappears without a Deregister call.
package registry

import (
	"context"
	"encoding/json"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// EtcdRegistry implements the Registry interface using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, dialTimeout time.Duration) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &EtcdRegistry{client: c, ctx: ctx, cancel: cancel}, nil
}

// Register stores instance under a lease of ttl seconds and keeps the lease
// alive until Close.
//
// leaseID stays local so one EtcdRegistry can be shared by several servers.
func (r *EtcdRegistry) Register(serviceName string, instance ServiceInstance, ttl int64) error {
	lease, err := r.client.Grant(r.ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(r.ctx, serviceKey(serviceName, instance.Addr), string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(r.ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain keepalive acks so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a service instance. Called during graceful shutdown.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	_, err := r.client.Delete(r.ctx, serviceKey(serviceName, addr))
	return err
}

// Watch emits the full instance list every time anything under the service
// prefix changes. The channel closes when the registry is closed.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []ServiceInstance {
	ch := make(chan []ServiceInstance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(r.ctx, servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {
			// Re-read the whole list; simpler than applying individual events.
			instances, err := r.Discover(serviceName)
			if err != nil {
				continue
			}
			select {
			case ch <- instances:
			case <-r.ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns all currently registered instances for a service.
func (r *EtcdRegistry) Discover(serviceName string) ([]ServiceInstance, error) {
	resp, err := r.client.Get(r.ctx, servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServiceInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServiceInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // Skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops keepalives and watches and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	r.cancel()
	return r.client.Close()
}
