// Package worker implements the long-running table maintenance and lookup
// state machines driven by the handler's event loop: bootstrap (first-time
// table population from routers/seeds), refresh (periodic bucket upkeep),
// and iterative lookup (find_node/get_peers convergence toward a target).
package worker

import (
	"net"

	"dht/id"
	"dht/transaction"
)

// Sender abstracts the handler's outgoing query path so the state machines
// in this package never touch the socket or transaction id generator
// directly; the handler supplies the concrete implementation.
type Sender interface {
	SendPing(addr net.Addr, tid transaction.ID) error
	SendFindNode(addr net.Addr, tid transaction.ID, target id.Id) error
	SendGetPeers(addr net.Addr, tid transaction.ID, infoHash id.Id) error
	SendAnnouncePeer(addr net.Addr, tid transaction.ID, infoHash id.Id, token []byte, port uint16, impliedPort bool) error
}
