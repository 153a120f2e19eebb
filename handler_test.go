package dht

import (
	"context"
	"net"
	"testing"
	"time"

	"dht/id"
)

func startTestNode(t *testing.T, routers string) *DHT {
	t.Helper()
	conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	cfg := NewConfig()
	cfg.DHTRouters = routers
	cfg.SaveRoutingTable = false
	cfg.ClientPerMinuteLimit = 0 // disable throttling in tests
	cfg.SecretRotatePeriod = time.Hour
	// A loopback test swarm only ever has a handful of peers, nowhere near
	// the production good-node threshold; lower it the way the transaction
	// generator's id-preallocation block also shrinks for tests.
	cfg.GoodNodeThreshold = 1

	d, err := NewBuilder().WithConfig(cfg).Start(context.Background(), conn)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(d.Stop)
	return d
}

func TestJoiningNodeLearnsRouterDuringBootstrap(t *testing.T) {
	a := startTestNode(t, "")
	b := startTestNode(t, a.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Bootstrapped(ctx); err != nil {
		t.Fatalf("b failed to bootstrap: %v", err)
	}

	state, err := b.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.GoodNodes+state.QuestionableNodes == 0 {
		t.Fatalf("expected b to have learned about a, got empty table: %+v", state)
	}
}

func TestAddNodeAdmitsAReachablePeer(t *testing.T) {
	a := startTestNode(t, "")
	b := startTestNode(t, "")

	if err := a.AddNode(context.Background(), b.LocalAddr().(*net.UDPAddr)); err != nil {
		t.Fatalf("AddNode: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		state, err := a.GetState(context.Background())
		if err != nil {
			t.Fatalf("GetState: %v", err)
		}
		if state.GoodNodes > 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected a to admit b as a good node after a successful ping")
}

func TestSearchFindsAnnouncedPeer(t *testing.T) {
	a := startTestNode(t, "")
	b := startTestNode(t, a.LocalAddr().String())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := b.Bootstrapped(ctx); err != nil {
		t.Fatalf("b failed to bootstrap: %v", err)
	}

	infoHash := id.Random()

	announceCtx, announceCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer announceCancel()
	for range b.Search(announceCtx, infoHash, true) {
		// b has nothing to discover yet; just drain until the announce
		// lookup converges and the channel closes.
	}

	searchCtx, searchCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer searchCancel()
	var found []net.Addr
	for addr := range a.Search(searchCtx, infoHash, false) {
		found = append(found, addr)
	}
	if len(found) == 0 {
		t.Fatalf("expected a's search to discover the peer b announced")
	}
}

func TestGetStateReportsLocalID(t *testing.T) {
	d := startTestNode(t, "")
	state, err := d.GetState(context.Background())
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.LocalID == (id.Id{}) {
		t.Fatalf("expected a non-zero local id")
	}
	if state.Port == 0 {
		t.Fatalf("expected a bound port")
	}
}
