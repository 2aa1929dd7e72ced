// etcd-backed implementation of the Registry interface.
//
// Game servers live under:
//
//	Key:   /tilelobby/servers/{Addr}
//	Value: JSON-encoded ServerInstance
//
// Registration uses TTL-based leases: a crashed server stops renewing its
// lease and the entry disappears on its own, so clients never discover
// ghost servers.
package registry

import (
	"context"
	"encoding/json"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const serverPrefix = "/tilelobby/servers/"

// EtcdRegistry implements Registry on etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
}

// NewEtcdRegistry connects to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string) (*EtcdRegistry, error) {
	c, err := clientv3.New(clientv3.Config{
		Endpoints: endpoints,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c}, nil
}

// Register adds a game server with a TTL lease and keeps the lease renewed
// in the background. If the process dies, the lease expires and the entry is
// removed automatically.
func (r *EtcdRegistry) Register(instance ServerInstance, ttl int64) error {
	ctx := context.TODO()

	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(instance)
	if err != nil {
		return err
	}

	_, err = r.client.Put(ctx, serverPrefix+instance.Addr, string(val), clientv3.WithLease(lease.ID))
	if err != nil {
		return err
	}

	ch, err := r.client.KeepAlive(ctx, lease.ID)
	if err != nil {
		return err
	}

	// Drain KeepAlive responses so the channel never fills up.
	go func() {
		for range ch {
		}
	}()
	return nil
}

// Deregister removes a game server, typically during graceful shutdown.
func (r *EtcdRegistry) Deregister(addr string) error {
	_, err := r.client.Delete(context.TODO(), serverPrefix+addr)
	return err
}

// Watch emits the full server list whenever the fleet changes. Uses etcd's
// server-push Watch API rather than polling.
func (r *EtcdRegistry) Watch() <-chan []ServerInstance {
	ch := make(chan []ServerInstance, 1)

	go func() {
		watchChan := r.client.Watch(context.TODO(), serverPrefix, clientv3.WithPrefix())
		for range watchChan {
			// On any change, re-fetch the full list — simpler than folding
			// individual watch events.
			instances, err := r.Discover()
			if err != nil {
				continue
			}
			ch <- instances
		}
	}()

	return ch
}

// Discover returns every currently registered game server.
func (r *EtcdRegistry) Discover() ([]ServerInstance, error) {
	resp, err := r.client.Get(context.TODO(), serverPrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	instances := make([]ServerInstance, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var instance ServerInstance
		if err := json.Unmarshal(kv.Value, &instance); err != nil {
			continue // skip malformed entries
		}
		instances = append(instances, instance)
	}

	return instances, nil
}
