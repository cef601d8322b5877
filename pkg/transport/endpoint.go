// Package transport defines the PageTransport capability, the Endpoint
// variant exchanged through the coordinator, and the Manager that
// bootstraps a backend through the coordinator.
package transport

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Kind tags which variant an Endpoint holds.
type Kind string

const (
	KindTCP  Kind = "tcp"
	KindRDMA Kind = "rdma"
)

// TCPEndpoint is the address information a TCP peer publishes.
type TCPEndpoint struct {
	Addr string `json:"addr"`
	Port uint16 `json:"port"`
}

// RDMAEndpoint is the address information an RDMA peer publishes to
// establish a reliable-connection queue pair.
type RDMAEndpoint struct {
	QPN uint32   `json:"qpn"`
	LID uint16   `json:"lid"`
	GID [16]byte `json:"-"`
	PSN uint32   `json:"psn"` // low 24 bits significant
}

// rdmaEndpointWire is the JSON-on-the-wire shape: gid is hex-encoded with a
// "0x" prefix per spec, everything else is a plain field.
type rdmaEndpointWire struct {
	QPN uint32 `json:"qpn"`
	LID uint16 `json:"lid"`
	GID string `json:"gid"`
	PSN uint32 `json:"psn"`
}

// Endpoint is the tagged sum round-tripped through the coordinator. Exactly
// one of TCP/RDMA is populated, selected by Kind; forbidding cross-variant
// dispatch is enforced at construction and at the transport boundary
// (connecting a TCP transport to an RDMA endpoint or vice versa fails with
// TransportError, never silently).
type Endpoint struct {
	Kind Kind
	TCP  TCPEndpoint
	RDMA RDMAEndpoint
}

// NewTCPEndpoint constructs a TCP-variant endpoint.
func NewTCPEndpoint(addr string, port uint16) Endpoint {
	return Endpoint{Kind: KindTCP, TCP: TCPEndpoint{Addr: addr, Port: port}}
}

// NewRDMAEndpoint constructs an RDMA-variant endpoint.
func NewRDMAEndpoint(qpn uint32, lid uint16, gid [16]byte, psn uint32) Endpoint {
	return Endpoint{Kind: KindRDMA, RDMA: RDMAEndpoint{QPN: qpn, LID: lid, GID: gid, PSN: psn & 0xFFFFFF}}
}

type endpointWire struct {
	Kind Kind              `json:"kind"`
	TCP  *TCPEndpoint      `json:"tcp,omitempty"`
	RDMA *rdmaEndpointWire `json:"rdma,omitempty"`
}

// MarshalJSON encodes the endpoint the way the coordinator expects: rdma.gid
// as "0x" + hex(16 bytes), tcp.port as a plain u16.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	switch e.Kind {
	case KindTCP:
		return json.Marshal(endpointWire{Kind: KindTCP, TCP: &e.TCP})
	case KindRDMA:
		wire := rdmaEndpointWire{
			QPN: e.RDMA.QPN,
			LID: e.RDMA.LID,
			GID: "0x" + hex.EncodeToString(e.RDMA.GID[:]),
			PSN: e.RDMA.PSN,
		}

		return json.Marshal(endpointWire{Kind: KindRDMA, RDMA: &wire})
	default:
		return nil, fmt.Errorf("transport: cannot marshal endpoint with unset kind")
	}
}

// UnmarshalJSON decodes either endpoint shape, validating the gid hex prefix.
func (e *Endpoint) UnmarshalJSON(data []byte) error {
	var wire endpointWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return fmt.Errorf("transport: decode endpoint: %w", err)
	}

	switch wire.Kind {
	case KindTCP:
		if wire.TCP == nil {
			return fmt.Errorf("transport: endpoint kind tcp missing tcp field")
		}

		*e = Endpoint{Kind: KindTCP, TCP: *wire.TCP}

		return nil
	case KindRDMA:
		if wire.RDMA == nil {
			return fmt.Errorf("transport: endpoint kind rdma missing rdma field")
		}

		gidHex := wire.RDMA.GID
		const prefix = "0x"
		if len(gidHex) < len(prefix) || gidHex[:len(prefix)] != prefix {
			return fmt.Errorf("transport: rdma gid %q missing 0x prefix", gidHex)
		}

		raw, err := hex.DecodeString(gidHex[len(prefix):])
		if err != nil {
			return fmt.Errorf("transport: rdma gid %q is not valid hex: %w", gidHex, err)
		}

		if len(raw) != 16 {
			return fmt.Errorf("transport: rdma gid must decode to 16 bytes, got %d", len(raw))
		}

		var gid [16]byte
		copy(gid[:], raw)

		*e = Endpoint{Kind: KindRDMA, RDMA: RDMAEndpoint{
			QPN: wire.RDMA.QPN,
			LID: wire.RDMA.LID,
			GID: gid,
			PSN: wire.RDMA.PSN,
		}}

		return nil
	default:
		return fmt.Errorf("transport: unknown endpoint kind %q", wire.Kind)
	}
}
