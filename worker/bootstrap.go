package worker

import (
	"net"
	"time"

	"dht/id"
	"dht/node"
	"dht/routing"
	"dht/transaction"
)

// BootstrapState is the phase of a table bootstrap.
type BootstrapState int

const (
	// Idle is the state before a first Start and the state a failed or
	// decayed bootstrap falls back to between retries.
	Idle BootstrapState = iota
	BootstrappingRouters
	BootstrappingBuckets
	Bootstrapped
)

const (
	// DefaultGoodNodeThreshold is the minimum number of Good nodes the table
	// must hold for a bucket walk to count as a successful bootstrap, for
	// callers that don't override Bootstrap.GoodNodeThreshold. Production
	// wiring uses this value; a test swarm too small to ever gather this
	// many distinct peers should lower it, the same way the transaction
	// generator's id-preallocation block shrinks for tests.
	DefaultGoodNodeThreshold = 10
	// PeriodicCheckInterval is how often a Bootstrapped table re-checks its
	// good node count.
	PeriodicCheckInterval = 5 * time.Second
	// maxBackoffExponent caps the exponential retry backoff at 2^9 seconds.
	maxBackoffExponent = 9
)

// Bootstrap drives first-time population of an otherwise empty routing
// table: it pings the configured routers and any seed nodes for our own
// id, then walks the table's buckets by index, starting at bucket 0 (the
// half of the id space farthest from our id; buckets 0 and 1 draw their
// candidates from the closest nodes to the probe target, deeper ones from
// the 25/50/100% scan of BucketsNear), issuing find_node probes so every
// reachable region of the id space gets a chance to answer before the
// table is declared usable. A walk that ends without at least
// GoodNodeThreshold good nodes falls back to Idle with an exponential
// backoff before retrying; a walk that succeeds keeps periodically
// re-checking the good node count and re-enters the bootstrap sequence if
// it decays below the threshold.
type Bootstrap struct {
	localID id.Id
	routers []string
	seeds   []net.Addr
	action  *transaction.Action

	// GoodNodeThreshold overrides DefaultGoodNodeThreshold for this
	// instance. NewBootstrap sets it to DefaultGoodNodeThreshold; callers
	// running a deliberately small swarm may lower it.
	GoodNodeThreshold int

	state  BootstrapState
	bucket int

	outstanding   map[transaction.ID]bool
	routerPings   int
	routerReplies int

	attempts  int
	retryAt   time.Time
	nextCheck time.Time
}

// NewBootstrap returns a Bootstrap ready to Start. action should be a fresh
// transaction.Action dedicated to this bootstrap run.
func NewBootstrap(localID id.Id, routers []string, seeds []net.Addr, action *transaction.Action) *Bootstrap {
	return &Bootstrap{
		localID:           localID,
		routers:           routers,
		seeds:             seeds,
		action:            action,
		GoodNodeThreshold: DefaultGoodNodeThreshold,
		outstanding:       map[transaction.ID]bool{},
	}
}

func (b *Bootstrap) State() BootstrapState { return b.state }

// IsBootstrapped reports whether the bucket walk has completed with enough
// good nodes to be declared usable.
func (b *Bootstrap) IsBootstrapped() bool { return b.state == Bootstrapped }

// Start resolves the router hostnames, pings them and the seed nodes for
// our own id, and enters BootstrappingRouters. If nothing resolves, it
// falls straight through to the bucket walk so a table pre-seeded from a
// snapshot can still bootstrap without network access. A node configured
// with neither routers nor seeds has no network to join and is declared
// Bootstrapped immediately: it is the origin of its own swarm.
func (b *Bootstrap) Start(s Sender) {
	if len(b.routers) == 0 && len(b.seeds) == 0 {
		b.state = Bootstrapped
		b.attempts = 0
		b.nextCheck = time.Time{}
		return
	}

	b.state = BootstrappingRouters
	b.routerPings = 0
	b.routerReplies = 0
	b.bucket = 0
	b.outstanding = map[transaction.ID]bool{}

	ping := func(addr net.Addr) {
		tid := b.action.Next()
		if err := s.SendFindNode(addr, tid, b.localID); err != nil {
			return
		}
		b.outstanding[tid] = true
		b.routerPings++
	}

	for _, host := range b.routers {
		addr, err := net.ResolveUDPAddr("udp", host)
		if err != nil {
			continue
		}
		ping(addr)
	}
	for _, addr := range b.seeds {
		ping(addr)
	}

	if b.routerPings == 0 {
		b.state = BootstrappingBuckets
		b.bucket = 0
	}
}

// HandleReply reports whether tid belongs to this bootstrap and, if so,
// retires it from the outstanding set.
func (b *Bootstrap) HandleReply(tid transaction.ID) bool {
	if !b.outstanding[tid] {
		return false
	}
	delete(b.outstanding, tid)
	if b.state == BootstrappingRouters {
		b.routerReplies++
	}
	return true
}

// Expire retires tid without crediting it as a reply, for the handler's
// timer to call when a probe times out unanswered.
func (b *Bootstrap) Expire(tid transaction.ID) bool {
	if !b.outstanding[tid] {
		return false
	}
	delete(b.outstanding, tid)
	return true
}

// Tick advances the bootstrap by one step. While waiting on routers it
// moves to the bucket walk once as many answers have arrived as pings were
// successfully sent (counting at most 8), or every outstanding ping has
// been retired (the handler retires timed-out transactions and simply stops
// calling HandleReply for them, so an empty outstanding set is itself the
// timeout signal). During the bucket walk it probes one bucket's
// worth of candidates per tick. Once Idle (after a failed attempt) it
// retries Start after the scheduled backoff; once Bootstrapped it
// periodically re-checks the good node count and re-enters the sequence if
// the table has decayed.
func (b *Bootstrap) Tick(tbl *routing.Table, s Sender, now time.Time) {
	switch b.state {
	case Idle:
		if !b.retryAt.IsZero() && now.Before(b.retryAt) {
			return
		}
		b.Start(s)
	case BootstrappingRouters:
		const maxExpectedReplies = 8
		expected := b.routerPings
		if expected > maxExpectedReplies {
			expected = maxExpectedReplies
		}
		if b.routerReplies >= expected || len(b.outstanding) == 0 {
			b.state = BootstrappingBuckets
			b.bucket = 0
		}
	case BootstrappingBuckets:
		b.stepBucket(tbl, s, now)
	case Bootstrapped:
		b.checkHealth(tbl, s, now)
	}
}

func (b *Bootstrap) stepBucket(tbl *routing.Table, s Sender, now time.Time) {
	if b.bucket >= routing.MaxBuckets || b.bucket >= tbl.BucketCount() {
		b.finishWalk(tbl, now)
		return
	}

	target := b.localID.FlipBit(b.bucket)
	var candidates []node.Node
	if b.bucket < 2 {
		candidates = tbl.ClosestNodes(target, routing.BucketSize, now)
	} else {
		candidates = tbl.BucketsNear(b.bucket)
	}

	sent := 0
	for _, n := range candidates {
		if sent >= routing.BucketSize {
			break
		}
		if !n.IsPingable(now) || n.RecentlyQueried(now) {
			continue
		}
		tid := b.action.Next()
		if err := s.SendFindNode(n.Handle.Addr, tid, target); err != nil {
			continue
		}
		b.outstanding[tid] = true
		sent++
	}
	b.bucket++
}

// finishWalk decides, once the bucket walk has passed the table's last
// bucket, whether the table now holds enough good nodes to be declared
// Bootstrapped, or whether to fall back to Idle with an exponential backoff
// before the next attempt.
func (b *Bootstrap) finishWalk(tbl *routing.Table, now time.Time) {
	good, _ := tbl.Counts(now)
	if good >= b.GoodNodeThreshold {
		b.state = Bootstrapped
		b.attempts = 0
		b.nextCheck = now.Add(PeriodicCheckInterval)
		return
	}

	b.attempts++
	exponent := b.attempts
	if exponent > maxBackoffExponent {
		exponent = maxBackoffExponent
	}
	b.state = Idle
	b.retryAt = now.Add(time.Duration(1<<uint(exponent)) * time.Second)
}

// checkHealth re-enters the bootstrap sequence if the good node count has
// dropped below GoodNodeThreshold since the last check.
func (b *Bootstrap) checkHealth(tbl *routing.Table, s Sender, now time.Time) {
	if now.Before(b.nextCheck) {
		return
	}
	good, _ := tbl.Counts(now)
	if good >= b.GoodNodeThreshold {
		b.nextCheck = now.Add(PeriodicCheckInterval)
		return
	}
	b.attempts = 0
	b.Start(s)
}
