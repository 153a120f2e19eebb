// Package node implements the liveness-tracked routing table entry: a
// (NodeId, address) handle plus the timestamps and counters that derive its
// Good/Questionable/Bad status.
package node

import (
	"net"
	"time"

	"dht/id"
)

// GoodWindow is how recently a response (ours or theirs) must have arrived
// for a node to be considered Good.
const GoodWindow = 15 * time.Minute

// MaxRefreshRequests is the number of unanswered locally-initiated queries
// tolerated before a node without a recent response is declared Bad.
const MaxRefreshRequests = 2

// RecentRequestWindow is how long a locally-initiated query "counts" as
// already in flight for the purposes of refresh/lookup candidate selection.
const RecentRequestWindow = 30 * time.Second

// Status is the liveness tier of a Node, totally ordered Bad < Questionable
// < Good.
type Status int

const (
	Bad Status = iota
	Questionable
	Good
)

func (s Status) String() string {
	switch s {
	case Bad:
		return "bad"
	case Questionable:
		return "questionable"
	case Good:
		return "good"
	default:
		return "unknown"
	}
}

// Handle is an (Id, address) pair used in wire messages and as the routing
// table key. Immutable once created; two Handles are equal iff both fields
// are equal.
type Handle struct {
	ID   id.Id
	Addr net.Addr
}

func (h Handle) Equal(o Handle) bool {
	return h.ID == o.ID && sameAddr(h.Addr, o.Addr)
}

func sameAddr(a, b net.Addr) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.String() == b.String()
}

// Node is a Handle plus liveness state. Equality (Equal) ignores liveness
// state; only the handle is compared.
type Node struct {
	Handle Handle

	lastResponse     time.Time
	lastRequest      time.Time
	lastLocalRequest time.Time
	refreshRequests  int
}

// New creates a freshly observed Node with no history (status Bad until a
// response is recorded).
func New(h Handle) Node {
	return Node{Handle: h}
}

// AsGood creates a Node that already has a fresh response, for tests and for
// seeding nodes we ourselves just successfully queried.
func AsGood(h Handle, now time.Time) Node {
	n := New(h)
	n.lastResponse = now
	return n
}

// AsQuestionable creates a Node that has responded in the past but not
// recently, for tests.
func AsQuestionable(h Handle, now time.Time) Node {
	n := New(h)
	n.lastResponse = now.Add(-GoodWindow - time.Second)
	return n
}

func (n Node) Equal(o Node) bool {
	return n.Handle.Equal(o.Handle)
}

// Status derives the liveness tier from the recorded timestamps/counters as
// of now. It is a pure function: no mutation, no hidden state.
func (n Node) Status(now time.Time) Status {
	hasResponded := !n.lastResponse.IsZero()

	if !hasResponded {
		return Bad
	}
	if n.refreshRequests >= MaxRefreshRequests && !within(n.lastResponse, now, GoodWindow) {
		return Bad
	}
	if within(n.lastResponse, now, GoodWindow) {
		return Good
	}
	if hasResponded && within(n.lastRequest, now, GoodWindow) {
		return Good
	}
	return Questionable
}

func within(t, now time.Time, window time.Duration) bool {
	if t.IsZero() {
		return false
	}
	return now.Sub(t) <= window
}

// RecordResponse marks that a response was just received from this node.
func (n *Node) RecordResponse(now time.Time) {
	n.lastResponse = now
	n.refreshRequests = 0
}

// RecordQuery marks that this node just sent us a query.
func (n *Node) RecordQuery(now time.Time) {
	n.lastRequest = now
}

// RecordLocalQuery marks that we just sent this node a query. If the node is
// not currently Good, the unanswered-query counter is incremented
// (saturating at MaxRefreshRequests).
func (n *Node) RecordLocalQuery(now time.Time) {
	n.lastLocalRequest = now
	if n.Status(now) != Good && n.refreshRequests < MaxRefreshRequests {
		n.refreshRequests++
	}
}

// RecentlyQueried reports whether we sent this node a query within the last
// RecentRequestWindow, used by refresh/lookup to avoid re-probing a node
// whose answer is still outstanding.
func (n Node) RecentlyQueried(now time.Time) bool {
	return within(n.lastLocalRequest, now, RecentRequestWindow)
}

// IsPingable reports whether the node is worth including in an outgoing
// query batch: anything but Bad.
func (n Node) IsPingable(now time.Time) bool {
	return n.Status(now) != Bad
}

// Update merges an incoming observation of the same handle into n, per the
// bucket replacement rules: two Good nodes merge (the existing entry keeps
// its own request history but absorbs the incoming response time); a Good
// n is never downgraded by a lesser incoming observation; otherwise the
// incoming observation wins outright.
func (n *Node) Update(incoming Node, now time.Time) {
	selfStatus := n.Status(now)
	otherStatus := incoming.Status(now)

	switch {
	case selfStatus == Good && otherStatus == Good:
		n.lastResponse = incoming.lastResponse
		n.refreshRequests = 0
	case selfStatus == Good && otherStatus != Good:
		// ignore: never let a non-good observation regress a good node.
	default:
		*n = incoming
	}
}
