package worker

import (
	"net"
	"testing"
	"time"

	"dht/id"
	"dht/node"
	"dht/routing"
	"dht/transaction"
)

func TestBootstrapGoesStraightToBootstrappedWithNoRoutersOrSeeds(t *testing.T) {
	b := NewBootstrap(id.Random(), nil, nil, newAction())
	s := newFakeSender()
	b.Start(s)
	if b.State() != Bootstrapped {
		t.Fatalf("expected a node with no routers or seeds to be its own swarm origin, got state %v", b.State())
	}
	if !b.IsBootstrapped() {
		t.Fatalf("expected IsBootstrapped to report true")
	}
}

func TestBootstrapFallsStraightToBucketWalkWhenNoRouterResolves(t *testing.T) {
	b := NewBootstrap(id.Random(), []string{"not-a-valid-address"}, nil, newAction())
	s := newFakeSender()
	b.Start(s)
	if b.State() != BootstrappingBuckets {
		t.Fatalf("expected to skip straight to bucket walk once every router fails to resolve, got state %v", b.State())
	}
}

func TestBootstrapAdvancesOnRouterReply(t *testing.T) {
	local := id.Random()
	b := NewBootstrap(local, []string{"127.0.0.1:6881"}, nil, newAction())
	s := newFakeSender()
	b.Start(s)
	if b.State() != BootstrappingRouters {
		t.Fatalf("expected to be waiting on routers, got %v", b.State())
	}

	var tid = firstKey(b.outstanding)
	if !b.HandleReply(tid) {
		t.Fatalf("expected router reply to be recognized")
	}
	b.Tick(routing.New(local), s, time.Now())
	if b.State() != BootstrappingBuckets {
		t.Fatalf("expected a router reply to advance to the bucket walk, got %v", b.State())
	}
}

func TestBootstrapCompletesAfterWalkingAllBucketsWithEnoughGoodNodes(t *testing.T) {
	local := id.Random()
	b := NewBootstrap(local, []string{"not-a-valid-address"}, nil, newAction())
	s := newFakeSender()
	b.Start(s)

	tbl := routing.New(local)
	now := time.Now()
	for i := 0; i < DefaultGoodNodeThreshold; i++ {
		h := node.Handle{ID: id.Random(), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9000 + i}}
		tbl.Add(node.AsGood(h, now), now)
	}
	for i := 0; i < routing.MaxBuckets+1; i++ {
		b.Tick(tbl, s, now)
	}
	if !b.IsBootstrapped() {
		t.Fatalf("expected bootstrap to complete after walking every bucket with enough good nodes")
	}
	if b.State() != Bootstrapped {
		t.Fatalf("expected state Bootstrapped, got %v", b.State())
	}
}

func TestBootstrapFallsBackToIdleWithBackoffWhenTableStaysEmpty(t *testing.T) {
	local := id.Random()
	b := NewBootstrap(local, []string{"not-a-valid-address"}, nil, newAction())
	s := newFakeSender()
	b.Start(s)

	tbl := routing.New(local)
	now := time.Now()
	for i := 0; i < routing.MaxBuckets+1; i++ {
		b.Tick(tbl, s, now)
	}
	if b.IsBootstrapped() {
		t.Fatalf("expected bootstrap to fail with too few good nodes")
	}
	if b.State() != Idle {
		t.Fatalf("expected state Idle after a failed walk, got %v", b.State())
	}

	// Tick before the backoff elapses: should stay Idle, not restart yet.
	b.Tick(tbl, s, now)
	if b.State() != Idle {
		t.Fatalf("expected to stay Idle before the backoff elapses, got %v", b.State())
	}

	// Tick past the backoff: should restart the bucket walk.
	b.Tick(tbl, s, now.Add(3*time.Second))
	if b.State() != BootstrappingBuckets {
		t.Fatalf("expected backoff to expire into a fresh bucket walk, got %v", b.State())
	}
}

func TestBootstrapReentersWhenGoodNodeCountDecays(t *testing.T) {
	local := id.Random()
	b := NewBootstrap(local, []string{"not-a-valid-address"}, nil, newAction())
	s := newFakeSender()
	b.Start(s)

	tbl := routing.New(local)
	now := time.Now()
	handles := make([]node.Handle, DefaultGoodNodeThreshold)
	for i := range handles {
		handles[i] = node.Handle{ID: id.Random(), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 9100 + i}}
		tbl.Add(node.AsGood(handles[i], now), now)
	}
	for i := 0; i < routing.MaxBuckets+1; i++ {
		b.Tick(tbl, s, now)
	}
	if !b.IsBootstrapped() {
		t.Fatalf("expected bootstrap to complete")
	}

	// Nodes go stale: rebuild the table with fewer good nodes left.
	stale := routing.New(local)
	later := now.Add(PeriodicCheckInterval + time.Second)
	stale.Add(node.AsGood(handles[0], later), later)

	b.Tick(stale, s, later)
	if b.State() != BootstrappingRouters && b.State() != BootstrappingBuckets {
		t.Fatalf("expected a decayed good count to re-enter the bootstrap sequence, got %v", b.State())
	}
}

func TestBootstrapProbesSeedTable(t *testing.T) {
	local := id.Random()
	tbl := routing.New(local)
	now := time.Now()
	for i := 0; i < 4; i++ {
		h := node.Handle{ID: id.Random(), Addr: &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 7000 + i}}
		tbl.Add(node.AsGood(h, now), now)
	}

	b := NewBootstrap(local, []string{"not-a-valid-address"}, nil, newAction())
	s := newFakeSender()
	b.Start(s)
	b.Tick(tbl, s, now)
	if len(s.sentFindNode) == 0 {
		t.Fatalf("expected the bucket walk to probe nodes already in the table")
	}
}

func firstKey(m map[transaction.ID]bool) (k transaction.ID) {
	for k = range m {
		return k
	}
	return k
}
