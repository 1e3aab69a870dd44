// Package registry provides etcd-backed node registration and peer
// discovery for tree assembly.
package registry

import (
	"context"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const (
	nodePrefix      = "/fractree/nodes/"
	defaultLeaseTTL = 10 // seconds
)

// Peer is one registered node: its id and the parent it attaches
// under. A root node has an empty ParentID.
type Peer struct {
	NodeID   string
	ParentID string
}

// Registry registers this node under a lease and watches the peer set.
type Registry struct {
	cli     *clientv3.Client
	log     *zap.Logger
	leaseID clientv3.LeaseID
	cancel  context.CancelFunc
}

// NewClient dials etcd.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// New wraps an etcd client.
func New(cli *clientv3.Client, log *zap.Logger) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{cli: cli, log: log.Named("registry")}
}

// Register publishes this node under a keepalive lease. The entry
// disappears when the lease lapses.
func (r *Registry) Register(ctx context.Context, nodeID, parentID string) error {
	lease, err := r.cli.Grant(ctx, defaultLeaseTTL)
	if err != nil {
		return fmt.Errorf("registry: grant lease: %w", err)
	}
	key := nodePrefix + nodeID
	if _, err := r.cli.Put(ctx, key, parentID, clientv3.WithLease(lease.ID)); err != nil {
		return fmt.Errorf("registry: put %s: %w", key, err)
	}
	r.leaseID = lease.ID

	kaCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	ch, err := r.cli.KeepAlive(kaCtx, lease.ID)
	if err != nil {
		cancel()
		return fmt.Errorf("registry: keepalive: %w", err)
	}
	go func() {
		for range ch {
		}
		r.log.Warn("keepalive channel closed", zap.String("node", nodeID))
	}()

	r.log.Info("node registered",
		zap.String("node", nodeID), zap.String("parent", parentID))
	return nil
}

// Deregister stops the keepalive and revokes the lease.
func (r *Registry) Deregister(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	if r.leaseID == 0 {
		return nil
	}
	if _, err := r.cli.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("registry: revoke lease: %w", err)
	}
	r.leaseID = 0
	return nil
}

// Peers lists the currently registered nodes.
func (r *Registry) Peers(ctx context.Context) ([]Peer, error) {
	resp, err := r.cli.Get(ctx, nodePrefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("registry: list peers: %w", err)
	}
	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		peers = append(peers, Peer{
			NodeID:   strings.TrimPrefix(string(kv.Key), nodePrefix),
			ParentID: string(kv.Value),
		})
	}
	return peers, nil
}

// WatchPeers invokes the callback for every peer join (added=true) and
// leave (added=false) until the context ends.
func (r *Registry) WatchPeers(ctx context.Context, fn func(peer Peer, added bool)) {
	ch := r.cli.Watch(ctx, nodePrefix, clientv3.WithPrefix())
	go func() {
		for resp := range ch {
			for _, ev := range resp.Events {
				peer := Peer{
					NodeID:   strings.TrimPrefix(string(ev.Kv.Key), nodePrefix),
					ParentID: string(ev.Kv.Value),
				}
				switch ev.Type {
				case clientv3.EventTypePut:
					fn(peer, true)
				case clientv3.EventTypeDelete:
					fn(peer, false)
				}
			}
		}
	}()
}
