package worker

import (
	"net"
	"sort"

	"dht/id"
	"dht/krpc"
	"dht/node"
	"dht/transaction"
)

// Kind selects whether a Lookup converges via find_node (pure routing-table
// population) or get_peers (also collecting announced peers and tokens).
type Kind int

const (
	FindNode Kind = iota
	GetPeers
)

// Alpha is the default number of lookup queries kept in flight at once.
const Alpha = 3

// candidate is one node in a lookup's shortlist.
type candidate struct {
	handle      node.Handle
	queried     bool
	responded   bool
	endgameSent bool
}

// Lookup is an iterative Kademlia lookup toward Target: starting from a
// seed set of nodes, it keeps at most alpha queries in flight against the
// closest candidates not yet queried and closer than the k-th Responded
// node, folding each reply's returned nodes back into the shortlist. Once
// nothing is in flight and nothing unqueried remains closer than the
// current top k, it enters a single endgame round that re-queries every
// Responded node once before declaring convergence.
type Lookup struct {
	Target id.Id
	kind   Kind
	action *transaction.Action
	alpha  int
	k      int

	candidates  []*candidate
	outstanding map[transaction.ID]*candidate

	peers  map[string]*net.UDPAddr
	tokens map[string][]byte

	endgame bool
	done    bool
}

// NewLookup returns a Lookup seeded from seed, ready for repeated Pump
// calls. k sizes the lookup (the routing table's BucketSize is the natural
// choice); the shortlist retained across rounds is trimmed to 4*k.
func NewLookup(target id.Id, kind Kind, action *transaction.Action, seed []node.Node, alpha, k int) *Lookup {
	l := &Lookup{
		Target:      target,
		kind:        kind,
		action:      action,
		alpha:       alpha,
		k:           k,
		outstanding: map[transaction.ID]*candidate{},
		peers:       map[string]*net.UDPAddr{},
		tokens:      map[string][]byte{},
	}
	for _, n := range seed {
		l.addCandidate(n.Handle)
	}
	return l
}

func (l *Lookup) addCandidate(h node.Handle) {
	key := h.Addr.String()
	for _, c := range l.candidates {
		if c.handle.Addr.String() == key {
			return
		}
	}
	l.candidates = append(l.candidates, &candidate{handle: h})
	l.sortCandidates()
}

func (l *Lookup) sortCandidates() {
	sort.Slice(l.candidates, func(i, j int) bool {
		di := l.Target.Xor(l.candidates[i].handle.ID)
		dj := l.Target.Xor(l.candidates[j].handle.ID)
		return di.Less(dj)
	})
}

// trim drops the tail of the shortlist once it has grown well past what a
// converged lookup would ever need, so a lookup against a lively swarm does
// not accumulate every node it has ever heard of.
func (l *Lookup) trim() {
	max := l.k * 4
	if len(l.candidates) > max {
		l.candidates = l.candidates[:max]
	}
}

// IsDone reports whether the lookup has nothing left to query and nothing
// outstanding.
func (l *Lookup) IsDone() bool { return l.done }

// kthRespondedDistance returns the XOR distance to Target of the k-th
// closest Responded candidate (candidates are kept sorted by distance), and
// false if fewer than k candidates have responded yet.
func (l *Lookup) kthRespondedDistance() (id.Id, bool) {
	count := 0
	for _, c := range l.candidates {
		if !c.responded {
			continue
		}
		count++
		if count == l.k {
			return l.Target.Xor(c.handle.ID), true
		}
	}
	return id.Id{}, false
}

// nextQueryable returns the closest not-yet-queried candidate that is
// closer than the k-th Responded node, or nil if there is none or the
// shortlist hasn't converged enough yet to know. Once fewer than k
// responses exist there is no meaningful k-th distance, so every
// not-yet-queried candidate is eligible.
func (l *Lookup) nextQueryable() *candidate {
	kth, hasKth := l.kthRespondedDistance()
	for _, c := range l.candidates {
		if c.queried {
			continue
		}
		if hasKth {
			d := l.Target.Xor(c.handle.ID)
			if !d.Less(kth) {
				return nil
			}
		}
		return c
	}
	return nil
}

// Pump issues queries to the closest eligible candidates until alpha
// queries are outstanding, enters the single endgame round once the
// shortlist has converged, and marks the lookup done once that round
// drains. Call it once after construction and again after every reply
// (including timeouts) until IsDone reports true.
func (l *Lookup) Pump(s Sender) {
	if l.done {
		return
	}

	if l.endgame {
		if len(l.outstanding) == 0 {
			l.done = true
		}
		return
	}

	for len(l.outstanding) < l.alpha {
		next := l.nextQueryable()
		if next == nil {
			break
		}
		l.send(s, next)
	}

	if len(l.outstanding) > 0 {
		return
	}
	if l.nextQueryable() != nil {
		return
	}

	if _, hasKth := l.kthRespondedDistance(); hasKth {
		l.startEndgame(s)
		return
	}
	l.done = true
}

// startEndgame re-queries every Responded candidate once, without the
// alpha cap, per the spec's single endgame round.
func (l *Lookup) startEndgame(s Sender) {
	l.endgame = true
	for _, c := range l.candidates {
		if !c.responded || c.endgameSent {
			continue
		}
		c.endgameSent = true
		l.send(s, c)
	}
	if len(l.outstanding) == 0 {
		l.done = true
	}
}

func (l *Lookup) send(s Sender, c *candidate) {
	tid := l.action.Next()
	var err error
	switch l.kind {
	case FindNode:
		err = s.SendFindNode(c.handle.Addr, tid, l.Target)
	case GetPeers:
		err = s.SendGetPeers(c.handle.Addr, tid, l.Target)
	}
	c.queried = true
	if err != nil {
		return
	}
	l.outstanding[tid] = c
}

// HandleFindNodeReply folds a find_node-shaped reply's nodes into the
// shortlist. It reports whether tid belonged to this lookup.
func (l *Lookup) HandleFindNodeReply(tid transaction.ID, nodes, nodes6 []node.Handle) bool {
	c, ok := l.outstanding[tid]
	if !ok {
		return false
	}
	delete(l.outstanding, tid)
	c.responded = true
	for _, h := range nodes {
		l.addCandidate(h)
	}
	for _, h := range nodes6 {
		l.addCandidate(h)
	}
	l.trim()
	return true
}

// HandleGetPeersReply folds a get_peers reply into the shortlist, peer set
// and token table. It reports whether tid belonged to this lookup.
func (l *Lookup) HandleGetPeersReply(tid transaction.ID, resp *krpc.Response, from net.Addr) bool {
	c, ok := l.outstanding[tid]
	if !ok {
		return false
	}
	delete(l.outstanding, tid)
	c.responded = true

	if len(resp.Token) > 0 {
		l.tokens[from.String()] = resp.Token
	}
	for _, v := range resp.Values {
		l.peers[v.String()] = v
	}
	for _, h := range resp.Nodes {
		l.addCandidate(h)
	}
	for _, h := range resp.Nodes6 {
		l.addCandidate(h)
	}
	l.trim()
	return true
}

// HandleTimeout retires an outstanding transaction that the handler's timer
// expired without a reply, so Pump can try the next candidate.
func (l *Lookup) HandleTimeout(tid transaction.ID) bool {
	_, ok := l.outstanding[tid]
	if ok {
		delete(l.outstanding, tid)
	}
	return ok
}

// Peers returns every peer address collected so far (GetPeers lookups
// only).
func (l *Lookup) Peers() []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(l.peers))
	for _, a := range l.peers {
		out = append(out, a)
	}
	return out
}

// AnnounceTargets returns up to k responded nodes closest to Target, each
// paired with the token that node issued, for the caller to announce_peer
// to once a GetPeers lookup has converged.
func (l *Lookup) AnnounceTargets() []AnnounceTarget {
	var out []AnnounceTarget
	for _, c := range l.candidates {
		if !c.responded {
			continue
		}
		tok, ok := l.tokens[c.handle.Addr.String()]
		if !ok {
			continue
		}
		out = append(out, AnnounceTarget{Handle: c.handle, Token: tok})
		if len(out) >= l.k {
			break
		}
	}
	return out
}

// AnnounceTarget is a node to announce_peer to, with the token it handed
// out during the get_peers lookup that discovered it.
type AnnounceTarget struct {
	Handle node.Handle
	Token  []byte
}
