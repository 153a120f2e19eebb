package worker

import (
	"sort"
	"time"

	"dht/id"
	"dht/node"
	"dht/routing"
	"dht/transaction"
)

// NodesPerRefresh is the maximum number of nodes probed per bucket refresh.
const NodesPerRefresh = 4

// Refresh periodically probes one bucket at a time, round-robin, so a table
// that has gone quiet in some region of the id space recovers without
// waiting for an unrelated lookup to stumble across fresh contacts there.
type Refresh struct {
	localID id.Id
	action  *transaction.Action
	next    int // round-robin index of the next bucket to refresh

	outstanding map[transaction.ID]int // tid -> bucket index being refreshed
}

// NewRefresh returns a Refresh using action as its dedicated transaction
// stream.
func NewRefresh(localID id.Id, action *transaction.Action) *Refresh {
	return &Refresh{localID: localID, action: action, outstanding: map[transaction.ID]int{}}
}

// Tick refreshes exactly one bucket, advancing the round-robin pointer to
// the next one regardless of outcome. It sends find_node to up to
// NodesPerRefresh Questionable nodes in that bucket, closest to the
// bucket's flipped target and not queried within the last
// node.RecentRequestWindow, so an answer still outstanding is never
// duplicated. Call it once per refresh interval, not once per maintenance
// tick.
func (r *Refresh) Tick(tbl *routing.Table, s Sender, now time.Time) {
	n := tbl.BucketCount()
	if n == 0 {
		return
	}
	if r.next >= n {
		r.next = 0
	}
	i := r.next
	r.next = (r.next + 1) % n

	bucket := tbl.Bucket(i)
	if bucket == nil {
		return
	}
	target := r.localID.FlipBit(i)

	var candidates []node.Node
	for _, nd := range bucket.Nodes() {
		if nd.Status(now) != node.Questionable || nd.RecentlyQueried(now) {
			continue
		}
		candidates = append(candidates, nd)
	}
	sort.Slice(candidates, func(a, b int) bool {
		da := target.Xor(candidates[a].Handle.ID)
		db := target.Xor(candidates[b].Handle.ID)
		return da.Less(db)
	})
	if len(candidates) > NodesPerRefresh {
		candidates = candidates[:NodesPerRefresh]
	}

	for _, nd := range candidates {
		tid := r.action.Next()
		if err := s.SendFindNode(nd.Handle.Addr, tid, target); err != nil {
			continue
		}
		r.outstanding[tid] = i
	}
}

// HandleReply reports the bucket index tid was refreshing, if it belongs to
// this Refresh, and retires it.
func (r *Refresh) HandleReply(tid transaction.ID) (bucket int, ok bool) {
	i, ok := r.outstanding[tid]
	if ok {
		delete(r.outstanding, tid)
	}
	return i, ok
}

// Expire retires tid without crediting it as a reply, for the handler's
// timer to call when a probe times out unanswered.
func (r *Refresh) Expire(tid transaction.ID) bool {
	_, ok := r.outstanding[tid]
	if ok {
		delete(r.outstanding, tid)
	}
	return ok
}
