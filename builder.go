package dht

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"dht/id"
	"dht/logger"
)

func newRand() *rand.Rand {
	return rand.New(rand.NewSource(time.Now().UnixNano()))
}

// Builder assembles a DHT node's configuration before starting it. The zero
// value is not usable; construct one with NewBuilder.
type Builder struct {
	config *Config
	log    logger.DebugLogger
	nodeID *id.Id
}

// NewBuilder returns a Builder seeded with DefaultConfig.
func NewBuilder() *Builder {
	cfg := *DefaultConfig
	return &Builder{config: &cfg, log: &logger.NullLogger{}}
}

// WithConfig replaces the builder's configuration wholesale.
func (b *Builder) WithConfig(c *Config) *Builder {
	if c != nil {
		b.config = c
	}
	return b
}

// WithLogger attaches a logger.DebugLogger; by default a logger.NullLogger
// is used, which writes through the standard library log package.
func (b *Builder) WithLogger(l logger.DebugLogger) *Builder {
	if l != nil {
		b.log = l
	}
	return b
}

// WithNodeID pins the node's identity instead of generating or loading one.
// Mainly useful for tests that need a deterministic id.
func (b *Builder) WithNodeID(nid id.Id) *Builder {
	b.nodeID = &nid
	return b
}

// Start brings up a DHT node: it resolves an identity (pinned, loaded from
// the configured snapshot, or freshly random, in that order), opens a UDP
// socket if conn is nil, and launches the event loop. The returned DHT is
// immediately usable; Bootstrapped can be awaited separately.
func (b *Builder) Start(ctx context.Context, conn net.PacketConn) (*DHT, error) {
	cfg := *b.config

	var snap *snapshot
	if cfg.SaveRoutingTable {
		s, err := loadSnapshot(cfg.SnapshotPath)
		if err != nil {
			b.log.Debugf("dht: failed to load snapshot: %v", err)
		}
		snap = s
	}

	localID := id.Random()
	if b.nodeID != nil {
		localID = *b.nodeID
	} else if nid, ok := snap.nodeID(); ok {
		localID = nid
	}

	if conn == nil {
		c, err := net.ListenPacket(cfg.UDPProto, fmt.Sprintf("%s:%d", cfg.Address, cfg.Port))
		if err != nil {
			return nil, fmt.Errorf("dht: listen: %w", err)
		}
		conn = c
	}
	if ua, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		cfg.Port = ua.Port
	}

	d := newDHT(ctx, cfg, localID, conn, b.log, snap.seed())
	d.run()

	if cfg.StartDebugServer {
		startDebugServer(d, cfg.DebugAddress)
	}

	return d, nil
}
