// Package krpc implements the bencoded KRPC message format used by the
// mainline DHT: Request/Response/Error message variants and the compact
// contact encodings they carry.
package krpc

import (
	"bytes"
	"fmt"
	"net"

	bencode "github.com/jackpal/bencode-go"

	"dht/id"
	"dht/node"
)

// Error codes as defined by BEP 5.
const (
	ErrGeneric  = 201
	ErrServer   = 202
	ErrProtocol = 203
	ErrMethod   = 204
)

// Want selects which address families a find_node/get_peers requester is
// interested in, per BEP 32. The zero value means "unspecified". The
// codec carries it on the wire only; the handler does not consult it and
// answers with both the IPv4 and the IPv6 contacts it has.
type Want struct {
	V4 bool
	V6 bool
}

func wantFromList(vs []interface{}) Want {
	var w Want
	for _, v := range vs {
		s, _ := v.(string)
		switch s {
		case "n4":
			w.V4 = true
		case "n6":
			w.V6 = true
		}
	}
	return w
}

func (w Want) encode() []string {
	var out []string
	if w.V4 {
		out = append(out, "n4")
	}
	if w.V6 {
		out = append(out, "n6")
	}
	return out
}

// PingRequest carries only the sender's id.
type PingRequest struct {
	ID id.Id
}

// FindNodeRequest asks for the nodes closest to Target.
type FindNodeRequest struct {
	ID     id.Id
	Target id.Id
	Want   Want
}

// GetPeersRequest asks for peers announced under InfoHash, or the closest
// nodes if none are known.
type GetPeersRequest struct {
	ID       id.Id
	InfoHash id.Id
	Want     Want
}

// AnnouncePeerRequest publishes the sender's contact under InfoHash. Port is
// ignored when ImpliedPort is true, in which case the responder should use
// the UDP source port of the datagram instead.
type AnnouncePeerRequest struct {
	ID          id.Id
	InfoHash    id.Id
	Token       []byte
	Port        uint16
	ImpliedPort bool
}

// Response is the common shape of every successful reply.
type Response struct {
	ID     id.Id
	Values []*net.UDPAddr
	Nodes  []node.Handle
	Nodes6 []node.Handle
	Token  []byte
}

// ErrorBody is the KRPC error payload: [code, message].
type ErrorBody struct {
	Code    int
	Message string
}

// Kind discriminates the three KRPC message shapes.
type Kind byte

const (
	KindQuery Kind = 'q'
	KindReply Kind = 'r'
	KindError Kind = 'e'
)

// Message is a decoded KRPC datagram. Exactly one of Request/Response/Error
// is populated, selected by Kind.
type Message struct {
	TxID  []byte
	Kind  Kind
	Query string // method name, set when Kind == KindQuery

	Request  interface{} // *PingRequest, *FindNodeRequest, *GetPeersRequest, *AnnouncePeerRequest
	Response *Response
	Error    *ErrorBody
}

// Encode renders m as a bencoded KRPC datagram.
func Encode(m *Message) ([]byte, error) {
	wire := map[string]interface{}{
		"t": string(m.TxID),
		"y": string(m.Kind),
	}

	switch m.Kind {
	case KindQuery:
		wire["q"] = m.Query
		args, err := encodeArgs(m.Request)
		if err != nil {
			return nil, err
		}
		wire["a"] = args
	case KindReply:
		wire["r"] = encodeResponse(m.Response)
	case KindError:
		wire["e"] = []interface{}{m.Error.Code, m.Error.Message}
	default:
		return nil, fmt.Errorf("krpc: unknown message kind %q", m.Kind)
	}

	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, wire); err != nil {
		return nil, fmt.Errorf("krpc: encode: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeArgs(req interface{}) (map[string]interface{}, error) {
	switch r := req.(type) {
	case *PingRequest:
		return map[string]interface{}{"id": string(r.ID.Bytes())}, nil
	case *FindNodeRequest:
		a := map[string]interface{}{
			"id":     string(r.ID.Bytes()),
			"target": string(r.Target.Bytes()),
		}
		if w := r.Want.encode(); len(w) > 0 {
			a["want"] = w
		}
		return a, nil
	case *GetPeersRequest:
		a := map[string]interface{}{
			"id":        string(r.ID.Bytes()),
			"info_hash": string(r.InfoHash.Bytes()),
		}
		if w := r.Want.encode(); len(w) > 0 {
			a["want"] = w
		}
		return a, nil
	case *AnnouncePeerRequest:
		a := map[string]interface{}{
			"id":        string(r.ID.Bytes()),
			"info_hash": string(r.InfoHash.Bytes()),
			"token":     string(r.Token),
		}
		if r.ImpliedPort {
			a["implied_port"] = 1
		} else {
			a["port"] = int(r.Port)
		}
		return a, nil
	default:
		return nil, fmt.Errorf("krpc: unknown request type %T", req)
	}
}

func encodeResponse(r *Response) map[string]interface{} {
	out := map[string]interface{}{"id": string(r.ID.Bytes())}
	if len(r.Values) > 0 {
		values, err := EncodeValues(r.Values)
		if err == nil {
			out["values"] = values
		}
	}
	if len(r.Nodes) > 0 {
		if enc, err := EncodeNodes(r.Nodes, CompactAddrLenV4); err == nil {
			out["nodes"] = string(enc)
		}
	}
	if len(r.Nodes6) > 0 {
		if enc, err := EncodeNodes(r.Nodes6, CompactAddrLenV6); err == nil {
			out["nodes6"] = string(enc)
		}
	}
	if len(r.Token) > 0 {
		out["token"] = string(r.Token)
	}
	return out
}

// Decode parses a bencoded KRPC datagram.
func Decode(b []byte) (*Message, error) {
	var wire map[string]interface{}
	if err := bencode.Unmarshal(bytes.NewReader(b), &wire); err != nil {
		return nil, fmt.Errorf("krpc: decode: %w", err)
	}

	t, _ := wire["t"].(string)
	y, _ := wire["y"].(string)
	if y == "" {
		return nil, fmt.Errorf("krpc: missing y field")
	}

	m := &Message{TxID: []byte(t), Kind: Kind(y[0])}

	switch m.Kind {
	case KindQuery:
		q, _ := wire["q"].(string)
		m.Query = q
		a, _ := wire["a"].(map[string]interface{})
		req, err := decodeArgs(q, a)
		if err != nil {
			return nil, err
		}
		m.Request = req
	case KindReply:
		r, _ := wire["r"].(map[string]interface{})
		m.Response = decodeResponse(r)
	case KindError:
		e, _ := wire["e"].([]interface{})
		body := &ErrorBody{}
		if len(e) > 0 {
			if code, ok := e[0].(int64); ok {
				body.Code = int(code)
			}
		}
		if len(e) > 1 {
			if msg, ok := e[1].(string); ok {
				body.Message = msg
			}
		}
		m.Error = body
	default:
		return nil, fmt.Errorf("krpc: unknown y value %q", y)
	}

	return m, nil
}

func decodeID(a map[string]interface{}, key string) id.Id {
	s, _ := a[key].(string)
	out, _ := id.FromBytes([]byte(s))
	return out
}

func decodeArgs(method string, a map[string]interface{}) (interface{}, error) {
	if a == nil {
		return nil, fmt.Errorf("krpc: missing a dictionary")
	}
	want := Want{}
	if raw, ok := a["want"].([]interface{}); ok {
		want = wantFromList(raw)
	}

	switch method {
	case "ping":
		return &PingRequest{ID: decodeID(a, "id")}, nil
	case "find_node":
		return &FindNodeRequest{ID: decodeID(a, "id"), Target: decodeID(a, "target"), Want: want}, nil
	case "get_peers":
		return &GetPeersRequest{ID: decodeID(a, "id"), InfoHash: decodeID(a, "info_hash"), Want: want}, nil
	case "announce_peer":
		req := &AnnouncePeerRequest{
			ID:       decodeID(a, "id"),
			InfoHash: decodeID(a, "info_hash"),
		}
		if tok, ok := a["token"].(string); ok {
			req.Token = []byte(tok)
		}
		if ip, ok := a["implied_port"]; ok {
			if n, ok := ip.(int64); ok && n == 1 {
				req.ImpliedPort = true
			}
		}
		if !req.ImpliedPort {
			if p, ok := a["port"].(int64); ok {
				req.Port = uint16(p)
			}
		}
		return req, nil
	default:
		return nil, fmt.Errorf("krpc: unknown method %q", method)
	}
}

func decodeResponse(r map[string]interface{}) *Response {
	if r == nil {
		return nil
	}
	resp := &Response{ID: decodeID(r, "id")}

	if vs, ok := r["values"].([]interface{}); ok {
		strs := make([]string, 0, len(vs))
		for _, v := range vs {
			if s, ok := v.(string); ok {
				strs = append(strs, s)
			}
		}
		resp.Values = DecodeValues(strs)
	}
	if nodes, ok := r["nodes"].(string); ok {
		resp.Nodes, _ = DecodeNodes([]byte(nodes), CompactAddrLenV4)
	}
	if nodes6, ok := r["nodes6"].(string); ok {
		resp.Nodes6, _ = DecodeNodes([]byte(nodes6), CompactAddrLenV6)
	}
	if tok, ok := r["token"].(string); ok {
		resp.Token = []byte(tok)
	}
	return resp
}
