package krpc

import (
	"net"
	"testing"

	"dht/id"
	"dht/node"
)

func TestPingRoundTrip(t *testing.T) {
	self := id.Random()
	m := &Message{TxID: []byte{1, 2}, Kind: KindQuery, Query: "ping", Request: &PingRequest{ID: self}}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req, ok := got.Request.(*PingRequest)
	if !ok {
		t.Fatalf("expected *PingRequest, got %T", got.Request)
	}
	if req.ID != self {
		t.Fatalf("id mismatch after round trip")
	}
}

func TestFindNodeRoundTripWithWant(t *testing.T) {
	self, target := id.Random(), id.Random()
	m := &Message{
		TxID:  []byte{9},
		Kind:  KindQuery,
		Query: "find_node",
		Request: &FindNodeRequest{
			ID: self, Target: target, Want: Want{V4: true, V6: true},
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req := got.Request.(*FindNodeRequest)
	if req.ID != self || req.Target != target {
		t.Fatalf("id/target mismatch")
	}
	if !req.Want.V4 || !req.Want.V6 {
		t.Fatalf("want flags lost in round trip")
	}
}

func TestAnnouncePeerImpliedPortPreemptsPort(t *testing.T) {
	self, ih := id.Random(), id.Random()
	m := &Message{
		TxID:  []byte{1},
		Kind:  KindQuery,
		Query: "announce_peer",
		Request: &AnnouncePeerRequest{
			ID: self, InfoHash: ih, Token: []byte("tok"), Port: 6881, ImpliedPort: true,
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	req := got.Request.(*AnnouncePeerRequest)
	if !req.ImpliedPort {
		t.Fatalf("implied_port should have round-tripped true")
	}
}

func TestResponseRoundTripWithNodesAndValues(t *testing.T) {
	self := id.Random()
	addr := &net.UDPAddr{IP: net.ParseIP("10.0.0.1"), Port: 6881}
	handle := node.Handle{ID: id.Random(), Addr: &net.UDPAddr{IP: net.ParseIP("10.0.0.2"), Port: 6882}}

	m := &Message{
		TxID: []byte{5},
		Kind: KindReply,
		Response: &Response{
			ID:     self,
			Values: []*net.UDPAddr{addr},
			Nodes:  []node.Handle{handle},
			Token:  []byte("abc"),
		},
	}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Response.ID != self {
		t.Fatalf("id mismatch")
	}
	if len(got.Response.Values) != 1 || !got.Response.Values[0].IP.Equal(addr.IP) || got.Response.Values[0].Port != addr.Port {
		t.Fatalf("values round trip failed: %+v", got.Response.Values)
	}
	if len(got.Response.Nodes) != 1 || got.Response.Nodes[0].ID != handle.ID {
		t.Fatalf("nodes round trip failed: %+v", got.Response.Nodes)
	}
	if string(got.Response.Token) != "abc" {
		t.Fatalf("token round trip failed")
	}
}

func TestErrorRoundTrip(t *testing.T) {
	m := &Message{TxID: []byte{7}, Kind: KindError, Error: &ErrorBody{Code: ErrProtocol, Message: "bad token"}}
	b, err := Encode(m)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(b)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Error.Code != ErrProtocol || got.Error.Message != "bad token" {
		t.Fatalf("error round trip mismatch: %+v", got.Error)
	}
}

func TestCompactAddrRoundTripV4AndV6(t *testing.T) {
	v4 := &net.UDPAddr{IP: net.ParseIP("1.2.3.4"), Port: 6881}
	enc, err := EncodeAddr(v4)
	if err != nil || len(enc) != CompactAddrLenV4 {
		t.Fatalf("v4 encode: %v len=%d", err, len(enc))
	}
	dec, err := DecodeAddr(enc)
	if err != nil || !dec.IP.Equal(v4.IP) || dec.Port != v4.Port {
		t.Fatalf("v4 round trip failed: %+v %v", dec, err)
	}

	v6 := &net.UDPAddr{IP: net.ParseIP("2001:db8::1"), Port: 6882}
	enc6, err := EncodeAddr(v6)
	if err != nil || len(enc6) != CompactAddrLenV6 {
		t.Fatalf("v6 encode: %v len=%d", err, len(enc6))
	}
	dec6, err := DecodeAddr(enc6)
	if err != nil || !dec6.IP.Equal(v6.IP) || dec6.Port != v6.Port {
		t.Fatalf("v6 round trip failed: %+v %v", dec6, err)
	}
}

func TestDecodeNodesRejectsWrongLength(t *testing.T) {
	_, err := DecodeNodes(make([]byte, CompactNodeLenV4+1), CompactAddrLenV4)
	if err == nil {
		t.Fatalf("expected an error for a non-multiple-of-stride length")
	}
}
