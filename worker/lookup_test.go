package worker

import (
	"math/rand"
	"net"
	"testing"

	"dht/id"
	"dht/krpc"
	"dht/node"
	"dht/transaction"
)

type fakeSender struct {
	sentFindNode []net.Addr
	sentGetPeers []net.Addr
	fail         map[string]bool
}

func newFakeSender() *fakeSender { return &fakeSender{fail: map[string]bool{}} }

func (f *fakeSender) SendPing(addr net.Addr, tid transaction.ID) error { return nil }
func (f *fakeSender) SendFindNode(addr net.Addr, tid transaction.ID, target id.Id) error {
	if f.fail[addr.String()] {
		return errFake
	}
	f.sentFindNode = append(f.sentFindNode, addr)
	return nil
}
func (f *fakeSender) SendGetPeers(addr net.Addr, tid transaction.ID, infoHash id.Id) error {
	if f.fail[addr.String()] {
		return errFake
	}
	f.sentGetPeers = append(f.sentGetPeers, addr)
	return nil
}
func (f *fakeSender) SendAnnouncePeer(addr net.Addr, tid transaction.ID, infoHash id.Id, token []byte, port uint16, impliedPort bool) error {
	return nil
}

type fakeErr string

func (e fakeErr) Error() string { return string(e) }

const errFake = fakeErr("fake send failure")

func seedNodes(n int) []node.Node {
	out := make([]node.Node, n)
	for i := 0; i < n; i++ {
		h := node.Handle{ID: id.Random(), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10000 + i}}
		out[i] = node.New(h)
	}
	return out
}

func newAction() *transaction.Action {
	g := transaction.New(rand.New(rand.NewSource(1)))
	return g.NewAction()
}

func TestLookupPumpQueriesUpToAlpha(t *testing.T) {
	seed := seedNodes(5)
	l := NewLookup(id.Random(), FindNode, newAction(), seed, 3, 8)
	s := newFakeSender()
	l.Pump(s)
	if len(s.sentFindNode) != 3 {
		t.Fatalf("expected 3 in-flight queries, got %d", len(s.sentFindNode))
	}
	if len(l.outstanding) != 3 {
		t.Fatalf("expected 3 outstanding, got %d", len(l.outstanding))
	}
}

func TestLookupFoldsNewNodesIntoShortlist(t *testing.T) {
	seed := seedNodes(1)
	l := NewLookup(id.Random(), FindNode, newAction(), seed, 3, 8)
	s := newFakeSender()
	l.Pump(s)

	var tid transaction.ID
	for k := range l.outstanding {
		tid = k
	}
	fresh := node.Handle{ID: id.Random(), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 20000}}
	if !l.HandleFindNodeReply(tid, []node.Handle{fresh}, nil) {
		t.Fatalf("expected reply to be recognized")
	}
	if len(l.candidates) != 2 {
		t.Fatalf("expected shortlist to grow to 2, got %d", len(l.candidates))
	}
}

func TestLookupDoneWhenExhausted(t *testing.T) {
	seed := seedNodes(2)
	l := NewLookup(id.Random(), FindNode, newAction(), seed, 3, 8)
	s := newFakeSender()
	l.Pump(s)
	for tid := range l.outstanding {
		l.HandleFindNodeReply(tid, nil, nil)
	}
	l.Pump(s)
	if !l.IsDone() {
		t.Fatalf("expected lookup to be done once every candidate has answered with nothing new")
	}
}

func TestLookupGetPeersCollectsPeersAndTokens(t *testing.T) {
	seed := seedNodes(1)
	l := NewLookup(id.Random(), GetPeers, newAction(), seed, 3, 8)
	s := newFakeSender()
	l.Pump(s)

	var tid transaction.ID
	var from net.Addr
	for k, c := range l.outstanding {
		tid = k
		from = c.handle.Addr
	}
	peerAddr := &net.UDPAddr{IP: net.ParseIP("10.0.0.5"), Port: 6881}
	resp := &krpc.Response{Values: []*net.UDPAddr{peerAddr}, Token: []byte("tok")}
	if !l.HandleGetPeersReply(tid, resp, from) {
		t.Fatalf("expected reply to be recognized")
	}
	if len(l.Peers()) != 1 {
		t.Fatalf("expected 1 peer, got %d", len(l.Peers()))
	}
	targets := l.AnnounceTargets()
	if len(targets) != 1 || string(targets[0].Token) != "tok" {
		t.Fatalf("expected one announce target carrying the issued token, got %+v", targets)
	}
}

// idWithFirstByte returns an id whose only nonzero byte is the first,
// so XOR distance to the all-zero target sorts by that byte's value.
func idWithFirstByte(b byte) id.Id {
	var out id.Id
	out[0] = b
	return out
}

func TestLookupDoesNotQueryCandidatesFartherThanTheKthResponded(t *testing.T) {
	target := id.Id{}
	seed := []node.Node{
		node.New(node.Handle{ID: idWithFirstByte(0x10), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10010}}),
		node.New(node.Handle{ID: idWithFirstByte(0x20), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10020}}),
		node.New(node.Handle{ID: idWithFirstByte(0x30), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10030}}),
		node.New(node.Handle{ID: idWithFirstByte(0x40), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 10040}}),
	}
	l := NewLookup(target, FindNode, newAction(), seed, 2, 2)
	s := newFakeSender()

	l.Pump(s)
	if len(s.sentFindNode) != 2 {
		t.Fatalf("expected 2 in-flight queries (alpha), got %d", len(s.sentFindNode))
	}

	for tid := range l.outstanding {
		l.HandleFindNodeReply(tid, nil, nil)
	}
	l.Pump(s)

	if len(s.sentFindNode) != 4 {
		t.Fatalf("expected the two closest responded nodes to be re-queried once in endgame (4 total), got %d", len(s.sentFindNode))
	}
	for _, addr := range s.sentFindNode {
		if addr.(*net.UDPAddr).Port == 10030 || addr.(*net.UDPAddr).Port == 10040 {
			t.Fatalf("candidate farther than the k-th responded node should never be queried, got %v", addr)
		}
	}
	if !l.endgame {
		t.Fatalf("expected the lookup to have entered endgame")
	}
	if l.IsDone() {
		t.Fatalf("expected the lookup to still be waiting on the endgame replies")
	}

	for tid := range l.outstanding {
		l.HandleFindNodeReply(tid, nil, nil)
	}
	l.Pump(s)
	if !l.IsDone() {
		t.Fatalf("expected the lookup to be done once the endgame round drains")
	}
}

func TestLookupTimeoutFreesSlotForNextCandidate(t *testing.T) {
	seed := seedNodes(4)
	l := NewLookup(id.Random(), FindNode, newAction(), seed, 2, 8)
	s := newFakeSender()
	l.Pump(s)
	if len(l.outstanding) != 2 {
		t.Fatalf("expected 2 outstanding, got %d", len(l.outstanding))
	}
	var tid transaction.ID
	for k := range l.outstanding {
		tid = k
		break
	}
	if !l.HandleTimeout(tid) {
		t.Fatalf("expected timeout to be recognized")
	}
	l.Pump(s)
	if len(l.outstanding) != 2 {
		t.Fatalf("expected a replacement query to fill the freed slot, got %d outstanding", len(l.outstanding))
	}
}
