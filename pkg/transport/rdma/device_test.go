package rdma

import (
	"testing"

	"github.com/Mellanox/rdmamap"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstUsableGidSkipsZeroRows(t *testing.T) {
	table := []rdmamap.GidEntry{
		{GidRaw: "00000000000000000000000000000000"},
		{GidRaw: "fe800000000000000123456789abcdef"[:32]},
	}

	gid, err := firstUsableGid(table)
	require.NoError(t, err)
	assert.NotEqual(t, [16]byte{}, gid)
}

func TestFirstUsableGidErrorsWhenAllZero(t *testing.T) {
	table := []rdmamap.GidEntry{
		{GidRaw: "00000000000000000000000000000000"[:32]},
	}

	_, err := firstUsableGid(table)
	assert.Error(t, err)
}

func TestEndpointFromDeviceEncodesQpnAndGid(t *testing.T) {
	dev := DeviceInfo{Name: "mlx5_0", GID: [16]byte{1, 2, 3}, LID: 7}

	ep := endpointFromDevice(dev, 42, 99)
	assert.Equal(t, uint32(42), ep.RDMA.QPN)
	assert.Equal(t, uint16(7), ep.RDMA.LID)
	assert.Equal(t, dev.GID, ep.RDMA.GID)
}
