package loadbalance

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"knrpc/meta"
)

func TestIdentity(t *testing.T) {
	assert.Equal(t, testInstances, Identity.Route(testInstances))
}

func TestMetadataRouter(t *testing.T) {
	before := append([]meta.InstanceMeta(nil), testInstances...)

	got := MetadataRouter{Key: meta.KeyRegion, Value: "bj"}.Route(testInstances)
	assert.Len(t, got, 2)
	for _, ins := range got {
		assert.Equal(t, "bj", ins.Get(meta.KeyRegion))
	}

	none := MetadataRouter{Key: meta.KeyRegion, Value: "gz"}.Route(testInstances)
	assert.Empty(t, none)

	// input untouched
	assert.Equal(t, before, testInstances)
}

func TestChain(t *testing.T) {
	r := Chain(
		MetadataRouter{Key: meta.KeyRegion, Value: "bj"},
		MetadataRouter{Key: meta.KeyWeight, Value: "10"},
		Identity,
	)
	got := r.Route(testInstances)
	assert.Len(t, got, 2)
	assert.Equal(t, ":8001", got[0].Addr)
}
