package routing

import (
	"sync"

	"go.uber.org/zap"

	"github.com/fractree/fractree/pkg/message"
)

// Receiver accepts messages arriving at a node. Both Router and
// ReliableRouter implement it.
type Receiver interface {
	Receive(*message.Message)
}

// Transport moves a message to a neighboring node. The substrate does
// not mandate a wire format; an in-process fabric is provided for
// tests and single-process trees, and production deployments can swap
// in a networked implementation.
type Transport interface {
	Deliver(nodeID string, msg *message.Message) bool
}

// Network is the in-process transport: a registry of node receivers
// delivered to by direct call.
type Network struct {
	mu        sync.RWMutex
	log       *zap.Logger
	receivers map[string]Receiver
}

// NewNetwork creates an empty in-process fabric.
func NewNetwork(log *zap.Logger) *Network {
	if log == nil {
		log = zap.NewNop()
	}
	return &Network{
		log:       log.Named("network"),
		receivers: make(map[string]Receiver),
	}
}

// Register attaches a node's receiver to the fabric.
func (n *Network) Register(nodeID string, r Receiver) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.receivers[nodeID] = r
}

// Unregister detaches a node from the fabric.
func (n *Network) Unregister(nodeID string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.receivers, nodeID)
}

// Deliver hands the message to the receiver registered for nodeID.
// Returns false when the node is unknown; the caller records the drop.
func (n *Network) Deliver(nodeID string, msg *message.Message) bool {
	n.mu.RLock()
	r, ok := n.receivers[nodeID]
	n.mu.RUnlock()
	if !ok {
		n.log.Debug("no receiver for node", zap.String("node", nodeID))
		return false
	}
	r.Receive(msg)
	return true
}
