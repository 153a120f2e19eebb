// Package routing implements the bucket-array routing table: a sequence of
// fixed-capacity buckets covering the 160-bit id space, with a replacement
// policy that resists Sybil churn of already-good nodes.
package routing

import (
	"time"

	"dht/node"
)

// BucketSize is the maximum number of non-Bad nodes a bucket holds (K in
// Kademlia terms).
const BucketSize = 8

// Bucket holds up to BucketSize nodes whose ids share a common distance
// prefix relative to the local id. Internally it is pre-filled with
// placeholder Bad slots so capacity never needs to grow.
type Bucket struct {
	slots [BucketSize]node.Node
}

// NewBucket returns an empty bucket: all slots hold placeholder Bad nodes.
func NewBucket() *Bucket {
	return &Bucket{}
}

// Nodes returns every slot, including placeholder Bad ones. Callers
// filtering for real nodes should check Status first.
func (b *Bucket) Nodes() []node.Node {
	out := make([]node.Node, BucketSize)
	copy(out, b.slots[:])
	return out
}

// PingableNodes returns the slots that are not Bad, i.e. worth including in
// a refresh/bootstrap probe batch.
func (b *Bucket) PingableNodes(now time.Time) []node.Node {
	var out []node.Node
	for _, n := range b.slots {
		if n.IsPingable(now) {
			out = append(out, n)
		}
	}
	return out
}

// RecordQuery finds the slot holding handle and records that it just sent
// us a query, without going through the Add replacement logic: an existing
// entry's liveness history should never be discarded just because a bare
// query doesn't look as good an observation as a response would.
func (b *Bucket) RecordQuery(handle node.Handle, now time.Time) bool {
	for i := range b.slots {
		if b.slots[i].Handle.Equal(handle) {
			b.slots[i].RecordQuery(now)
			return true
		}
	}
	return false
}

// NeedsRefresh reports whether no slot currently holds a Good node.
func (b *Bucket) NeedsRefresh(now time.Time) bool {
	for _, n := range b.slots {
		if n.Status(now) == node.Good {
			return false
		}
	}
	return true
}

// Add attempts to place incoming into the bucket. It returns true if the
// bucket now reflects the observation (either by absorbing it into an
// existing slot or by placing it in a previously lower-status slot), and
// false if the bucket is full of nodes that are all at least as good as
// incoming and the node could not be placed.
//
// A Bad incoming node is always reported as handled without being stored:
// we never want a caller to treat a Bad observation as something requiring
// a bucket split.
func (b *Bucket) Add(incoming node.Node, now time.Time) bool {
	if incoming.Status(now) == node.Bad {
		return true
	}

	for i := range b.slots {
		if b.slots[i].Equal(incoming) {
			b.slots[i].Update(incoming, now)
			return true
		}
	}

	incomingStatus := incoming.Status(now)
	replaceIndex := -1
	for i := range b.slots {
		if b.slots[i].Status(now) < incomingStatus {
			replaceIndex = i
			break
		}
	}
	if replaceIndex == -1 {
		return false
	}
	b.slots[replaceIndex] = incoming
	return true
}
