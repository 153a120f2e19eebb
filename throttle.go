package dht

import (
	"time"

	"github.com/golang/groupcache/lru"
)

// clientThrottle rate-limits inbound queries per source IP, remembering
// only the most recently active addresses so a long-running node's memory
// use doesn't grow with every IP that has ever spoken to it.
type clientThrottle struct {
	cache     *lru.Cache
	perMinute int
}

type throttleEntry struct {
	count       int
	windowStart time.Time
}

func newClientThrottle(perMinute, trackedClients int) *clientThrottle {
	return &clientThrottle{
		cache:     lru.New(trackedClients),
		perMinute: perMinute,
	}
}

// Allow reports whether a query from ip should be processed. It is not
// safe for concurrent use; called only from the handler goroutine.
func (t *clientThrottle) Allow(ip string, now time.Time) bool {
	if t.perMinute <= 0 {
		return true
	}

	if v, ok := t.cache.Get(ip); ok {
		e := v.(*throttleEntry)
		if now.Sub(e.windowStart) >= time.Minute {
			e.windowStart = now
			e.count = 0
		}
		e.count++
		return e.count <= t.perMinute
	}

	t.cache.Add(ip, &throttleEntry{count: 1, windowStart: now})
	return true
}
