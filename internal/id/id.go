// Package id generates roughly time-ordered 63-bit identifiers used as
// correlation ids on outbound calls.
package id

import (
	"errors"
	"strconv"
	"sync"
	"time"
)

const (
	nodeBits        = 10
	stepBits        = 12
	nodeMax         = -1 ^ (-1 << nodeBits)
	stepMax         = -1 ^ (-1 << stepBits)
	timeShift       = nodeBits + stepBits
	nodeShift       = stepBits
	epoch     int64 = 1704067200000 // 2024-01-01 00:00:00 UTC
)

var ErrNodeOutOfRange = errors.New("node id out of range")

// Node is a snowflake generator bound to one node id.
type Node struct {
	mu        sync.Mutex
	now       func() int64
	timestamp int64
	nodeID    int64
	step      int64
}

func NewNode(nodeID int64) (*Node, error) {
	if nodeID < 0 || nodeID > nodeMax {
		return nil, ErrNodeOutOfRange
	}
	return &Node{
		now:    func() int64 { return time.Now().UnixMilli() },
		nodeID: nodeID,
	}, nil
}

// Generate returns the next id. It never returns the same value twice for a node,
// even if the wall clock steps backwards.
func (n *Node) Generate() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()

	now := n.now()
	if now < n.timestamp {
		now = n.timestamp
	}

	if now == n.timestamp {
		n.step = (n.step + 1) & stepMax
		if n.step == 0 {
			for now <= n.timestamp {
				now = n.now()
				if now < n.timestamp {
					now = n.timestamp
				}
				if now == n.timestamp {
					time.Sleep(100 * time.Microsecond)
				}
			}
		}
	} else {
		n.step = 0
	}

	n.timestamp = now
	return ((now - epoch) << timeShift) | (n.nodeID << nodeShift) | n.step
}

// Correlation returns Generate formatted as a base-36 string.
func (n *Node) Correlation() string {
	return strconv.FormatInt(n.Generate(), 36)
}

// Time extracts the millisecond timestamp embedded in an id.
func Time(id int64) time.Time {
	return time.UnixMilli((id >> timeShift) + epoch)
}
