// Package registry keeps track of device engines exposed over TCP.
//
// etcd acts as a phonebook for devices:
//
//	Key:   /serial-rpc/{ServiceName}/{Addr}
//	Value: JSON-encoded Instance
//
// Registration uses TTL-based leases: if a bridge dies, the lease expires and the entry is
// removed, so hosts never pick a device nobody answers for.
package registry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nuclio/errors"
	"github.com/nuclio/logger"
	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	DefaultPrefix      = "/serial-rpc/"
	defaultDialTimeout = 5 * time.Second
)

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	logger logger.Logger
	client *clientv3.Client
	prefix string

	// leases granted by Register, keyed by instance key, so Deregister can revoke them
	leasesLock sync.Mutex
	leases     map[string]clientv3.LeaseID
}

// NewEtcdRegistry connects to the given endpoints.
func NewEtcdRegistry(parentLogger logger.Logger, endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: defaultDialTimeout,
	})
	if err != nil {
		return nil, errors.Wrap(err, "Failed to create etcd client")
	}
	return &EtcdRegistry{
		logger: parentLogger.GetChild("registry"),
		client: c,
		prefix: DefaultPrefix,
		leases: map[string]clientv3.LeaseID{},
	}, nil
}

func (r *EtcdRegistry) key(serviceName string, addr string) string {
	return r.servicePrefix(serviceName) + addr
}

func (r *EtcdRegistry) servicePrefix(serviceName string) string {
	return r.prefix + serviceName + "/"
}

// Register puts the instance under a lease of ttl seconds and keeps the lease alive in the
// background until Deregister or Close.
//
// The lease id is tracked per key, not per registry, so several devices can share one
// EtcdRegistry.
func (r *EtcdRegistry) Register(serviceName string, instance Instance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return errors.Wrap(err, "Failed to grant lease")
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return errors.Wrap(err, "Failed to encode instance")
	}

	key := r.key(serviceName, instance.Addr)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return errors.Wrapf(err, "Failed to put %s", key)
	}

	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return errors.Wrap(err, "Failed to keep lease alive")
	}

	// drain keepalive responses so the channel never fills up
	go func() {
		for range ch {
		}
		r.logger.DebugWith("Lease keepalive ended", "key", key)
	}()

	r.leasesLock.Lock()
	r.leases[key] = lease.ID
	r.leasesLock.Unlock()

	r.logger.DebugWith("Registered", "key", key, "ttl", ttl)
	return nil
}

// Deregister deletes the instance and revokes its lease.
func (r *EtcdRegistry) Deregister(serviceName string, addr string) error {
	ctx := context.TODO()
	key := r.key(serviceName, addr)

	if _, err := r.client.Delete(ctx, key); err != nil {
		return errors.Wrapf(err, "Failed to delete %s", key)
	}

	r.leasesLock.Lock()
	leaseID, found := r.leases[key]
	delete(r.leases, key)
	r.leasesLock.Unlock()

	if found {
		if _, err := r.client.Revoke(ctx, leaseID); err != nil {
			return errors.Wrap(err, "Failed to revoke lease")
		}
	}

	r.logger.DebugWith("Deregistered", "key", key)
	return nil
}

// Watch emits the full instance list every time something under the service prefix changes.
func (r *EtcdRegistry) Watch(serviceName string) <-chan []Instance {
	ctx := context.TODO()
	ch := make(chan []Instance, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
		for range watchChan {

			// re-fetch rather than apply individual events
			instances, err := r.Discover(serviceName)
			if err != nil {
				r.logger.WarnWith("Failed to refresh instances", "service", serviceName, "err", err.Error())
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns every registered instance of a service. Malformed entries are skipped.
func (r *EtcdRegistry) Discover(serviceName string) ([]Instance, error) {
	ctx := context.TODO()

	resp, err := r.client.Get(ctx, r.servicePrefix(serviceName), clientv3.WithPrefix())
	if err != nil {
		return nil, errors.Wrap(err, "Failed to list instances")
	}

	instances := make([]Instance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance Instance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			r.logger.WarnWith("Skipping malformed instance", "key", string(kv.Key))
			continue
		}
		instances = append(instances, instance)
	}

	return instances, nil
}

// Close stops every keepalive and closes the etcd client.
func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
