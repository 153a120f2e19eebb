package dht

import "expvar"

// Package-level counters exported via expvar, in the same flat style the
// original DHT loop used: every inbound/outbound message type gets its own
// running total, readable at /debug/vars without any extra wiring.
var (
	totalRecv                    = expvar.NewInt("dht.totalRecv")
	totalDroppedPackets          = expvar.NewInt("dht.totalDroppedPackets")
	totalPacketsFromBlockedHosts = expvar.NewInt("dht.totalPacketsFromBlockedHosts")
	totalMalformedPackets        = expvar.NewInt("dht.totalMalformedPackets")

	totalSentPing         = expvar.NewInt("dht.totalSentPing")
	totalSentFindNode     = expvar.NewInt("dht.totalSentFindNode")
	totalSentGetPeers     = expvar.NewInt("dht.totalSentGetPeers")
	totalSentAnnouncePeer = expvar.NewInt("dht.totalSentAnnouncePeer")

	totalRecvPing         = expvar.NewInt("dht.totalRecvPing")
	totalRecvFindNode     = expvar.NewInt("dht.totalRecvFindNode")
	totalRecvGetPeers     = expvar.NewInt("dht.totalRecvGetPeers")
	totalRecvAnnouncePeer = expvar.NewInt("dht.totalRecvAnnouncePeer")
	totalRecvReply        = expvar.NewInt("dht.totalRecvReply")
	totalRecvError        = expvar.NewInt("dht.totalRecvError")

	totalAnnouncePeerRejected = expvar.NewInt("dht.totalAnnouncePeerRejected")
)
