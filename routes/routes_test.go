package routes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goxbridge/config"
	"goxbridge/types"
)

func defaultRegistry(t *testing.T) *Registry {
	r, err := New(config.DefaultRoutes(), config.DefaultChains())
	require.NoError(t, err)
	return r
}

func TestDefaultTable(t *testing.T) {
	r := defaultRegistry(t)
	assert.Len(t, r.List(), 12)

	route, err := r.Find("ethereum", "solana")
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolWormhole, route.Protocol)
	assert.Equal(t, "15.00", route.BaseFee)
	assert.Equal(t, 8*time.Minute, route.NominalTime)
	assert.True(t, route.Supported)

	route, err = r.Find("ethereum", "polygon")
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolCCTP, route.Protocol)

	route, err = r.Find("ethereum", "bsc")
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolNative, route.Protocol)
	assert.False(t, route.Supported)
}

func TestFindIsExactMatchOnly(t *testing.T) {
	r := defaultRegistry(t)

	_, err := r.Find("ethereum", "ethereum")
	assert.ErrorIs(t, err, types.ErrRouteNotSupported)

	_, err = r.Find("ethereum", "avalanche")
	assert.ErrorIs(t, err, types.ErrRouteNotSupported)
	assert.Equal(t, types.CodeRouteNotSupported, types.CodeOf(err, ""))
}

func TestListIsACopy(t *testing.T) {
	r := defaultRegistry(t)
	list := r.List()
	list[0].Supported = !list[0].Supported

	again := r.List()
	assert.NotEqual(t, list[0].Supported, again[0].Supported)
}

func TestListingIsSymmetric(t *testing.T) {
	r := defaultRegistry(t)
	for _, route := range r.List() {
		_, err := r.Find(route.Destination, route.Source)
		assert.NoError(t, err, "%s->%s", route.Source, route.Destination)
	}
}

func TestValidation(t *testing.T) {
	chains := config.DefaultChains()
	valid := types.BridgeRoute{Source: "ethereum", Destination: "solana", Protocol: types.ProtocolWormhole, BaseFee: "1", NominalTime: time.Minute, Supported: true}
	reverse := types.BridgeRoute{Source: "solana", Destination: "ethereum", Protocol: types.ProtocolWormhole, BaseFee: "1", NominalTime: time.Minute, Supported: true}

	tests := []struct {
		name  string
		table []types.BridgeRoute
	}{
		{"duplicate", []types.BridgeRoute{valid, valid, reverse}},
		{"unknown chain", []types.BridgeRoute{{Source: "ethereum", Destination: "tron", Protocol: types.ProtocolWormhole, BaseFee: "1", NominalTime: time.Minute}}},
		{"unknown protocol", []types.BridgeRoute{{Source: "ethereum", Destination: "solana", Protocol: "ibc", BaseFee: "1", NominalTime: time.Minute}, reverse}},
		{"bad fee", []types.BridgeRoute{{Source: "ethereum", Destination: "solana", Protocol: types.ProtocolWormhole, BaseFee: "free", NominalTime: time.Minute}, reverse}},
		{"missing reverse", []types.BridgeRoute{valid}},
		{"self route", []types.BridgeRoute{{Source: "solana", Destination: "solana", Protocol: types.ProtocolWormhole, BaseFee: "1", NominalTime: time.Minute}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.table, chains)
			assert.Error(t, err)
		})
	}

	_, err := New([]types.BridgeRoute{valid, reverse}, chains)
	assert.NoError(t, err)
}
