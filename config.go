package dht

import (
	"flag"
	"time"

	"dht/worker"
)

// Config holds the tunables of a DHT node. Use NewConfig to obtain one
// populated with sane defaults; fields left at their zero value after that
// are treated literally, not re-defaulted.
type Config struct {
	// Address to listen on. If blank, the wildcard address is used.
	Address string
	// Port to listen on. If zero, the kernel picks one.
	Port int
	// UDPProto selects "udp4" or "udp6".
	UDPProto string

	// DHTRouters is a comma separated list of "host:port" bootstrap
	// routers, queried once at startup and whenever the table runs low on
	// nodes.
	DHTRouters string
	// MaxNodes stops the handler from pinging unknown requesters once the
	// table's bucket capacity (buckets times BucketSize) reaches it. AddNode
	// and contacts learned from replies are not limited by it.
	MaxNodes int
	// CleanupPeriod is how often the round-robin bucket refresh fires,
	// probing one bucket's Questionable nodes per tick.
	CleanupPeriod time.Duration
	// GoodNodeThreshold is the minimum number of Good nodes a bucket walk
	// must gather to be declared Bootstrapped, and the floor a Bootstrapped
	// table's periodic health check re-enters bootstrap below. Lower this
	// for a deliberately small swarm that could never gather the production
	// default's worth of distinct peers.
	GoodNodeThreshold int
	// SecretRotatePeriod is how often the token manager rotates its
	// signing secret.
	SecretRotatePeriod time.Duration

	// SaveRoutingTable enables periodic JSON snapshotting of the routing
	// table and node id to SnapshotPath, and loading it back on Start.
	SaveRoutingTable bool
	SnapshotPath     string
	SavePeriod       time.Duration

	// RateLimit caps inbound packets processed per second; packets beyond
	// the limit are dropped. Zero or negative disables the limiter.
	RateLimit int64
	// ClientPerMinuteLimit caps queries accepted from a single source IP
	// per minute before it is throttled.
	ClientPerMinuteLimit int
	// ThrottlerTrackedClients bounds how many distinct source IPs the
	// throttle remembers at once.
	ThrottlerTrackedClients int

	// NumTargetPeers is carried in the configuration only; the handler does
	// not read it, and a Search runs until its lookup converges.
	NumTargetPeers int

	// ReadOnly, per BEP 43, means this node answers queries but never
	// pings an unknown requester to admit it to the routing table: it
	// only learns about nodes that answer queries we ourselves sent.
	ReadOnly bool

	// StartDebugServer enables the expvar/JSON debug HTTP surface.
	StartDebugServer bool
	DebugAddress     string
}

// NewConfig returns a Config populated with default values.
func NewConfig() *Config {
	return &Config{
		Port:                    0,
		UDPProto:                "udp4",
		DHTRouters:              "router.bittorrent.com:6881,router.utorrent.com:6881,dht.transmissionbt.com:6881",
		MaxNodes:                500,
		CleanupPeriod:           6 * time.Second,
		GoodNodeThreshold:       worker.DefaultGoodNodeThreshold,
		SecretRotatePeriod:      5 * time.Minute,
		SaveRoutingTable:        true,
		SnapshotPath:            "dht.snapshot",
		SavePeriod:              5 * time.Minute,
		RateLimit:               100,
		ClientPerMinuteLimit:    50,
		ThrottlerTrackedClients: 1000,
		NumTargetPeers:          5,
		ReadOnly:                true,
		StartDebugServer:        false,
		DebugAddress:            "localhost:6881",
	}
}

// DefaultConfig is used by NewBuilder when no Config option is supplied.
var DefaultConfig = NewConfig()

// RegisterFlags registers DHTRouters, MaxNodes, CleanupPeriod, SavePeriod,
// RateLimit and StartDebugServer of c as command line flags on the global
// flag set; the other fields have no flag. If c is nil, DefaultConfig is
// used.
func RegisterFlags(c *Config) {
	if c == nil {
		c = DefaultConfig
	}
	flag.StringVar(&c.DHTRouters, "routers", c.DHTRouters,
		"Comma separated addresses of DHT routers used to bootstrap the DHT network.")
	flag.IntVar(&c.MaxNodes, "maxNodes", c.MaxNodes,
		"Routing table capacity beyond which unknown requesters are no longer pinged.")
	flag.DurationVar(&c.CleanupPeriod, "cleanupPeriod", c.CleanupPeriod,
		"How often to round-robin refresh one bucket's Questionable nodes.")
	flag.DurationVar(&c.SavePeriod, "savePeriod", c.SavePeriod,
		"How often to save the routing table snapshot to disk.")
	flag.Int64Var(&c.RateLimit, "rateLimit", c.RateLimit,
		"Maximum inbound packets per second to process. Beyond this limit they are dropped. 0 disables the limit.")
	flag.BoolVar(&c.StartDebugServer, "debugServer", c.StartDebugServer,
		"Start the HTTP debug/admin surface.")
}
