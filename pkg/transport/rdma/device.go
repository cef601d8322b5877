// Package rdma implements the RDMA PageTransport backend: device and GID
// enumeration via Mellanox/rdmamap, and a cgo wrapper over libibverbs
// (verbs_linux.go) for the reliable-connection queue pair and RDMA_READ
// data plane described in spec.md §4.5.
package rdma

import (
	"encoding/hex"
	"fmt"

	"github.com/Mellanox/rdmamap"

	"github.com/distmem/pager/pkg/transport"
)

// DeviceInfo describes one local RDMA-capable NIC port, the unit a
// Transport binds to at construction.
type DeviceInfo struct {
	Name string
	GID  [16]byte
	LID  uint16
}

// EnumerateDevices lists local RDMA devices with the first non-zero GID in
// each device's GID table and port 1's LID, the way the teacher pack's RDMA exporter enumerates devices
// for metrics scraping (other_examples: yuuki-rdma_exporter's
// internal/rdma.Provider, backed by Mellanox/rdmamap).
func EnumerateDevices() ([]DeviceInfo, error) {
	names := rdmamap.GetRdmaDeviceList()
	if len(names) == 0 {
		return nil, fmt.Errorf("rdma: no RDMA devices present on this host")
	}

	infos := make([]DeviceInfo, 0, len(names))

	for _, name := range names {
		gidTable, err := rdmamap.GetRdmaDeviceGidTable(name)
		if err != nil {
			return nil, fmt.Errorf("rdma: read gid table for %s: %w", name, err)
		}

		gid, err := firstUsableGid(gidTable)
		if err != nil {
			return nil, fmt.Errorf("rdma: %s: %w", name, err)
		}

		lid, err := queryPortLID(name, 1)
		if err != nil {
			return nil, fmt.Errorf("rdma: query port 1 lid for %s: %w", name, err)
		}

		infos = append(infos, DeviceInfo{Name: name, GID: gid, LID: lid})
	}

	return infos, nil
}

// firstUsableGid picks the first non-zero GID row, skipping unassigned
// table slots (the gid table is sparsely populated once RoCE/VLAN entries
// are accounted for).
func firstUsableGid(gidTable []rdmamap.GidEntry) ([16]byte, error) {
	for _, entry := range gidTable {
		raw, err := hex.DecodeString(entry.GidRaw)
		if err != nil || len(raw) != 16 {
			continue
		}

		var gid [16]byte
		copy(gid[:], raw)

		zero := true

		for _, b := range gid {
			if b != 0 {
				zero = false

				break
			}
		}

		if !zero {
			return gid, nil
		}
	}

	return [16]byte{}, fmt.Errorf("no non-zero gid entries")
}

// endpointFromDevice builds the RDMA Endpoint a Transport publishes through
// the coordinator for a newly created queue pair with number qpn.
func endpointFromDevice(dev DeviceInfo, qpn uint32, psn uint32) transport.Endpoint {
	return transport.NewRDMAEndpoint(qpn, dev.LID, dev.GID, psn)
}
