package storage

import (
	"fmt"
	"net"
	"testing"
	"time"

	"dht/id"
)

func addr(n int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(fmt.Sprintf("10.0.0.%d", n%250+1)), Port: 6881 + n/250}
}

func TestAddAndFind(t *testing.T) {
	s := New()
	now := time.Now()
	ih := id.Random()

	if !s.Add(ih, addr(1), now) {
		t.Fatalf("expected add to succeed")
	}
	got := s.Find(ih, now)
	if len(got) != 1 {
		t.Fatalf("expected 1 address, got %d", len(got))
	}
}

func TestRenewalDoesNotGrowCount(t *testing.T) {
	s := New()
	now := time.Now()
	ih := id.Random()
	a := addr(1)

	s.Add(ih, a, now)
	s.Add(ih, a, now.Add(time.Minute))
	if s.Count() != 1 {
		t.Fatalf("renewal of an existing (infohash,addr) should not grow the count, got %d", s.Count())
	}
}

func TestCapacityEnforced(t *testing.T) {
	s := New()
	now := time.Now()
	ih := id.Random()

	for i := 0; i < Capacity; i++ {
		if !s.Add(ih, addr(i), now) {
			t.Fatalf("add %d should have succeeded under capacity", i)
		}
	}
	if s.Add(ih, addr(9999), now) {
		t.Fatalf("add beyond capacity should fail")
	}

	later := now.Add(Expiration + time.Minute)
	if !s.Add(ih, addr(9999), later) {
		t.Fatalf("add after the original batch expires should succeed")
	}
}

func TestExpiredEntriesPruned(t *testing.T) {
	s := New()
	now := time.Now()
	ih := id.Random()
	s.Add(ih, addr(1), now)

	later := now.Add(Expiration + time.Minute)
	got := s.Find(ih, later)
	if len(got) != 0 {
		t.Fatalf("expected expired entries to be pruned, got %d", len(got))
	}
	if s.Count() != 0 {
		t.Fatalf("expected count 0 after pruning, got %d", s.Count())
	}
}

func TestDistinctInfoHashesIndependentlyExpire(t *testing.T) {
	s := New()
	now := time.Now()
	ih1, ih2 := id.Random(), id.Random()

	s.Add(ih1, addr(1), now)
	s.Add(ih2, addr(2), now.Add(time.Hour))

	justPast1 := now.Add(Expiration + time.Minute)
	if got := s.Find(ih1, justPast1); len(got) != 0 {
		t.Fatalf("ih1 should have expired")
	}
	if got := s.Find(ih2, justPast1); len(got) != 1 {
		t.Fatalf("ih2 should still be live, got %d", len(got))
	}
}
