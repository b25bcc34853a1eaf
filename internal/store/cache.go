package store

import (
	"sync"

	"github.com/yungbote/chatrelay-backend/internal/platform/logger"
)

// NodeCache is the bounded message-id → MsgNode store. Insertion order is
// first-access order; eviction is FIFO on that order, not LRU.
//
// The cache mutex guards only the map and ordering; each node's own lock
// guards its fields, so unrelated nodes populate concurrently.
type NodeCache struct {
	mu       sync.Mutex
	nodes    map[string]*MsgNode
	order    []string
	maxNodes int
	log      *logger.Logger
}

func NewNodeCache(maxNodes int, log *logger.Logger) *NodeCache {
	return &NodeCache{
		nodes:    make(map[string]*MsgNode),
		maxNodes: maxNodes,
		log:      log.With("component", "NodeCache"),
	}
}

// Get returns the node for id, creating and inserting an empty one if absent.
// Concurrent calls for the same unseen id observe the same node instance.
func (c *NodeCache) Get(id string) *MsgNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if node, ok := c.nodes[id]; ok {
		return node
	}
	node := &MsgNode{}
	c.nodes[id] = node
	c.order = append(c.order, id)
	return node
}

// Set inserts or replaces the node at id. Used when the assistant's own
// outgoing message becomes a node after delivery assigns its id.
func (c *NodeCache) Set(id string, node *MsgNode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[id]; !ok {
		c.order = append(c.order, id)
	}
	c.nodes[id] = node
}

// Contains reports whether id currently has an entry, without inserting one.
func (c *NodeCache) Contains(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[id]
	return ok
}

// Len returns the current entry count.
func (c *NodeCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}

// Cleanup evicts oldest-inserted entries until the bound is met, skipping
// nodes whose lock is held by an in-flight walk. Walks tolerate eviction of
// nodes they will revisit by re-fetching from the platform.
func (c *NodeCache) Cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.nodes) <= c.maxNodes {
		return
	}

	evicted := 0
	kept := c.order[:0]
	for i, id := range c.order {
		if len(c.nodes) <= c.maxNodes {
			kept = append(kept, c.order[i:]...)
			break
		}
		node, ok := c.nodes[id]
		if !ok {
			continue
		}
		if !node.TryLock() {
			kept = append(kept, id)
			continue
		}
		node.Unlock()
		delete(c.nodes, id)
		evicted++
	}
	c.order = kept

	if evicted > 0 {
		c.log.Debug("Evicted message nodes", "evicted", evicted, "remaining", len(c.nodes))
	}
}
