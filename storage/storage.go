// Package storage implements the announce table: an expiring map from
// InfoHash to the set of peer addresses that announced under it, bounded in
// total size and pruned in insertion-expiration order.
package storage

import (
	"container/list"
	"net"
	"time"

	"dht/id"
)

// Capacity is the maximum number of announce items held across every
// InfoHash combined.
const Capacity = 500

// Expiration is how long an announce item survives without renewal.
const Expiration = 25 * time.Hour

type key struct {
	infoHash id.Id
	addr     string
}

type item struct {
	key        key
	addr       *net.UDPAddr
	at         time.Time     // insertion/renewal time
	expireElem *list.Element // element in the expirations list
}

// Storage is the bounded, expiring announce table. Not safe for concurrent
// use; owned exclusively by the DhtHandler goroutine.
type Storage struct {
	byHash      map[id.Id][]*item
	byKey       map[key]*item
	expirations *list.List // front = earliest expiration
}

// New returns an empty Storage.
func New() *Storage {
	return &Storage{
		byHash:      make(map[id.Id][]*item),
		byKey:       make(map[key]*item),
		expirations: list.New(),
	}
}

// Add records that addr announced under infoHash at time now. If the exact
// (infoHash, addr) pair is already present, its expiration is renewed and
// true is returned. Otherwise, if the table is at Capacity, false is
// returned and nothing changes; else the item is inserted and true is
// returned.
func (s *Storage) Add(infoHash id.Id, addr *net.UDPAddr, now time.Time) bool {
	s.pruneExpired(now)

	k := key{infoHash: infoHash, addr: addr.String()}
	if existing, ok := s.byKey[k]; ok {
		existing.at = now
		s.expirations.MoveToBack(existing.expireElem)
		return true
	}

	if len(s.byKey) >= Capacity {
		return false
	}

	it := &item{key: k, addr: addr, at: now}
	it.expireElem = s.expirations.PushBack(it)
	s.byKey[k] = it
	s.byHash[infoHash] = append(s.byHash[infoHash], it)
	return true
}

// Find returns the addresses currently stored under infoHash, after pruning
// anything that has expired as of now.
func (s *Storage) Find(infoHash id.Id, now time.Time) []*net.UDPAddr {
	s.pruneExpired(now)

	items := s.byHash[infoHash]
	out := make([]*net.UDPAddr, 0, len(items))
	for _, it := range items {
		out = append(out, it.addr)
	}
	return out
}

// pruneExpired walks the expiration list from the front, which is always in
// insertion/renewal order, and removes everything that is now stale. It
// stops at the first item that has not expired, since everything after it
// is even younger.
func (s *Storage) pruneExpired(now time.Time) {
	for e := s.expirations.Front(); e != nil; {
		it := e.Value.(*item)
		if !it.expired(now) {
			break
		}
		next := e.Next()
		s.remove(it)
		e = next
	}
}

func (it *item) expired(now time.Time) bool {
	return now.Sub(it.at) > Expiration
}

func (s *Storage) remove(it *item) {
	s.expirations.Remove(it.expireElem)
	delete(s.byKey, it.key)

	list := s.byHash[it.key.infoHash]
	for i, candidate := range list {
		if candidate == it {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(s.byHash, it.key.infoHash)
	} else {
		s.byHash[it.key.infoHash] = list
	}
}

// Count returns the total number of items currently stored (before any
// lazy pruning that a subsequent Add/Find call would perform).
func (s *Storage) Count() int {
	return len(s.byKey)
}
