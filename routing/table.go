package routing

import (
	"sort"
	"time"

	"dht/id"
	"dht/node"
)

// MaxBuckets is the largest number of buckets a table will ever split into.
const MaxBuckets = id.Bits

// Table is an ordered sequence of buckets covering the 160-bit id space
// around a local node id. It starts with a single "assorted" bucket and
// splits the last bucket as it fills, up to MaxBuckets.
type Table struct {
	localID id.Id
	buckets []*Bucket
}

// New returns a Table with a single empty bucket.
func New(localID id.Id) *Table {
	return &Table{
		localID: localID,
		buckets: []*Bucket{NewBucket()},
	}
}

// LocalID returns the id this table is organized around.
func (t *Table) LocalID() id.Id {
	return t.localID
}

// BucketCount returns the current number of buckets.
func (t *Table) BucketCount() int {
	return len(t.buckets)
}

// Add places incoming into the correct bucket, splitting the last bucket
// and retrying as many times as necessary (and permitted) when it is full.
// It returns false if the bucket that should hold incoming is full of nodes
// at least as good and cannot be split: either it is not the last bucket,
// or the table already has 160 buckets.
func (t *Table) Add(incoming node.Node, now time.Time) bool {
	n := len(t.buckets)
	i := id.BucketIndex(t.localID, incoming.Handle.ID)
	if i >= n {
		i = n - 1
	}

	if t.buckets[i].Add(incoming, now) {
		return true
	}

	if i == n-1 && n < MaxBuckets {
		t.splitLastBucket(now)
		return t.Add(incoming, now)
	}

	return false
}

// splitLastBucket pops the last bucket, pushes two new empty ones in its
// place, and reinserts every node that was in it (which may itself trigger
// a further split if the assorted bucket was skewed).
func (t *Table) splitLastBucket(now time.Time) {
	last := t.buckets[len(t.buckets)-1]
	t.buckets = t.buckets[:len(t.buckets)-1]
	t.buckets = append(t.buckets, NewBucket(), NewBucket())

	for _, n := range last.Nodes() {
		if n.Status(now) == node.Bad {
			continue
		}
		t.Add(n, now)
	}
}

// ClosestNodes returns up to limit non-Bad nodes ordered by ascending XOR
// distance to target. Ties (nodes whose distance differs only below bucket
// granularity) may appear in either order, matching the monotonicity
// property the bucket-alternating traversal this is grounded on also
// guarantees; collecting and sorting by the real distance is a simpler,
// still-correct way to satisfy the same ordering contract.
func (t *Table) ClosestNodes(target id.Id, limit int, now time.Time) []node.Node {
	var candidates []node.Node
	for _, b := range t.buckets {
		for _, n := range b.Nodes() {
			if n.Status(now) == node.Bad {
				continue
			}
			candidates = append(candidates, n)
		}
	}

	sort.Slice(candidates, func(i, j int) bool {
		di := target.Xor(candidates[i].Handle.ID)
		dj := target.Xor(candidates[j].Handle.ID)
		return di.Less(dj)
	})

	if len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// BucketsNear returns the buckets at indices [center-2, center], clamped to
// valid range and deduplicated, concatenated into one slice of nodes. This
// is the "25/50/100%" scan TableBootstrap uses for bucket indices beyond the
// first two.
func (t *Table) BucketsNear(center int) []node.Node {
	seen := map[int]bool{}
	var out []node.Node
	for _, idx := range []int{center - 2, center - 1, center} {
		if idx < 0 || idx >= len(t.buckets) || seen[idx] {
			continue
		}
		seen[idx] = true
		out = append(out, t.buckets[idx].Nodes()...)
	}
	return out
}

// RecordQuery finds handle among the table's buckets and records that it
// just sent a query, if it is already known. It reports whether handle was
// found.
func (t *Table) RecordQuery(handle node.Handle, now time.Time) bool {
	i := id.BucketIndex(t.localID, handle.ID)
	if i >= len(t.buckets) {
		i = len(t.buckets) - 1
	}
	if t.buckets[i].RecordQuery(handle, now) {
		return true
	}
	// The ideal bucket may not be where a node landed before a split
	// changed its index; fall back to a full scan.
	for _, b := range t.buckets {
		if b.RecordQuery(handle, now) {
			return true
		}
	}
	return false
}

// Bucket returns the bucket at index i, or nil if out of range.
func (t *Table) Bucket(i int) *Bucket {
	if i < 0 || i >= len(t.buckets) {
		return nil
	}
	return t.buckets[i]
}

// Counts returns the number of Good and Questionable nodes across all
// buckets, used to populate the public GetState response.
func (t *Table) Counts(now time.Time) (good, questionable int) {
	for _, b := range t.buckets {
		for _, n := range b.Nodes() {
			switch n.Status(now) {
			case node.Good:
				good++
			case node.Questionable:
				questionable++
			}
		}
	}
	return
}
