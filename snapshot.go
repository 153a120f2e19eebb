package dht

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"time"

	"dht/id"
	"dht/node"
	"dht/routing"
)

// snapshot is the on-disk warm-start record: the node's own id plus every
// good or questionable contact known at save time, so a restart doesn't
// have to re-bootstrap the routing table from the routers alone.
type snapshot struct {
	ID    string           `json:"id"`
	Nodes []snapshotContact `json:"nodes"`
}

type snapshotContact struct {
	ID   string `json:"id"`
	Addr string `json:"addr"`
}

func saveSnapshot(path string, localID id.Id, tbl *routing.Table, now time.Time) error {
	s := snapshot{ID: localID.String()}
	for i := 0; i < tbl.BucketCount(); i++ {
		b := tbl.Bucket(i)
		if b == nil {
			continue
		}
		for _, n := range b.Nodes() {
			if n.Status(now) == node.Bad {
				continue
			}
			s.Nodes = append(s.Nodes, snapshotContact{ID: n.Handle.ID.String(), Addr: n.Handle.Addr.String()})
		}
	}

	f, err := os.CreateTemp(dirOf(path), "dht-snapshot-*")
	if err != nil {
		return fmt.Errorf("dht: snapshot: %w", err)
	}
	defer os.Remove(f.Name())

	if err := json.NewEncoder(f).Encode(&s); err != nil {
		f.Close()
		return fmt.Errorf("dht: snapshot: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("dht: snapshot: %w", err)
	}
	return os.Rename(f.Name(), path)
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}

// loadSnapshot reads a previously saved snapshot. A missing file is not an
// error: it simply yields a nil snapshot, and the caller generates a fresh
// random id.
func loadSnapshot(path string) (*snapshot, error) {
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dht: snapshot: %w", err)
	}
	var s snapshot
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("dht: snapshot: %w", err)
	}
	return &s, nil
}

// seed converts the snapshot's saved contacts into the net.Addr seed list
// handed to the bootstrap.
func (s *snapshot) seed() []net.Addr {
	if s == nil {
		return nil
	}
	out := make([]net.Addr, 0, len(s.Nodes))
	for _, c := range s.Nodes {
		addr, err := net.ResolveUDPAddr("udp", c.Addr)
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}

func (s *snapshot) nodeID() (id.Id, bool) {
	if s == nil || s.ID == "" {
		return id.Id{}, false
	}
	b, err := hex.DecodeString(s.ID)
	if err != nil {
		return id.Id{}, false
	}
	out, err := id.FromBytes(b)
	if err != nil {
		return id.Id{}, false
	}
	return out, true
}
