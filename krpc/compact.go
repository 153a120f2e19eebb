package krpc

import (
	"encoding/binary"
	"fmt"
	"net"

	"dht/id"
	"dht/node"
)

// CompactAddrLenV4 and CompactAddrLenV6 are the byte lengths of the compact
// peer contact encoding for each address family.
const (
	CompactAddrLenV4 = 6
	CompactAddrLenV6 = 18

	CompactNodeLenV4 = id.Length + CompactAddrLenV4
	CompactNodeLenV6 = id.Length + CompactAddrLenV6
)

// EncodeAddr renders addr as a compact 6-byte (IPv4) or 18-byte (IPv6) peer
// contact.
func EncodeAddr(addr *net.UDPAddr) ([]byte, error) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		out := make([]byte, CompactAddrLenV4)
		copy(out, ip4)
		binary.BigEndian.PutUint16(out[4:], uint16(addr.Port))
		return out, nil
	}
	ip6 := addr.IP.To16()
	if ip6 == nil {
		return nil, fmt.Errorf("krpc: address %v is neither v4 nor v6", addr)
	}
	out := make([]byte, CompactAddrLenV6)
	copy(out, ip6)
	binary.BigEndian.PutUint16(out[16:], uint16(addr.Port))
	return out, nil
}

// DecodeAddr parses a compact peer contact of either length.
func DecodeAddr(b []byte) (*net.UDPAddr, error) {
	switch len(b) {
	case CompactAddrLenV4:
		ip := net.IPv4(b[0], b[1], b[2], b[3])
		port := binary.BigEndian.Uint16(b[4:6])
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	case CompactAddrLenV6:
		ip := make(net.IP, 16)
		copy(ip, b[:16])
		port := binary.BigEndian.Uint16(b[16:18])
		return &net.UDPAddr{IP: ip, Port: int(port)}, nil
	default:
		return nil, fmt.Errorf("krpc: compact address has invalid length %d", len(b))
	}
}

// EncodeNodes concatenates id+address for each handle into the compact
// "nodes"/"nodes6" byte string. All handles must share the same address
// family; addrLen selects which (CompactAddrLenV4 or CompactAddrLenV6).
func EncodeNodes(handles []node.Handle, addrLen int) ([]byte, error) {
	out := make([]byte, 0, len(handles)*(id.Length+addrLen))
	for _, h := range handles {
		udpAddr, ok := h.Addr.(*net.UDPAddr)
		if !ok {
			return nil, fmt.Errorf("krpc: handle address is not a *net.UDPAddr")
		}
		enc, err := EncodeAddr(udpAddr)
		if err != nil {
			return nil, err
		}
		if len(enc) != addrLen {
			return nil, fmt.Errorf("krpc: unexpected address family for requested compact length")
		}
		out = append(out, h.ID.Bytes()...)
		out = append(out, enc...)
	}
	return out, nil
}

// DecodeNodes splits a compact "nodes"/"nodes6" byte string into handles.
// Malformed individual entries are impossible by construction (fixed
// stride); a total length that isn't a multiple of the stride is an error.
func DecodeNodes(b []byte, addrLen int) ([]node.Handle, error) {
	stride := id.Length + addrLen
	if stride == 0 || len(b)%stride != 0 {
		return nil, fmt.Errorf("krpc: compact nodes length %d not a multiple of %d", len(b), stride)
	}
	var out []node.Handle
	for i := 0; i < len(b); i += stride {
		nid, err := id.FromBytes(b[i : i+id.Length])
		if err != nil {
			continue
		}
		addr, err := DecodeAddr(b[i+id.Length : i+stride])
		if err != nil {
			continue
		}
		out = append(out, node.Handle{ID: nid, Addr: addr})
	}
	return out, nil
}

// EncodeValues renders a list of peer addresses as the "values" field: a
// bencode list of compact 6- or 18-byte byte strings.
func EncodeValues(addrs []*net.UDPAddr) ([]string, error) {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		enc, err := EncodeAddr(a)
		if err != nil {
			return nil, err
		}
		out = append(out, string(enc))
	}
	return out, nil
}

// DecodeValues parses the "values" field back into peer addresses, skipping
// individually malformed entries.
func DecodeValues(values []string) []*net.UDPAddr {
	var out []*net.UDPAddr
	for _, v := range values {
		addr, err := DecodeAddr([]byte(v))
		if err != nil {
			continue
		}
		out = append(out, addr)
	}
	return out
}
