package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStandardSoilLayers(t *testing.T) {
	layers := StandardSoilLayers()
	assert.Len(t, layers, 12)
	assert.InDelta(t, 0.05, layers[0].Bottom, 1e-12)
	assert.InDelta(t, 2.0, layers[11].Bottom, 1e-12)
	assert.InDelta(t, 7.0, layers[2].NO3, 1e-12)
	assert.InDelta(t, 1.0, layers[5].NO3, 1e-12)

	for i := 1; i < len(layers); i++ {
		assert.InDelta(t, layers[i-1].Bottom, layers[i].Top, 1e-12, "layer %d", i)
		assert.InDelta(t, layers[i].Bottom-layers[i].Top, layers[i].Thickness, 1e-12, "layer %d", i)
	}
}

func TestCodeIndex(t *testing.T) {
	types := []LandUseType{
		{Name: "rainfed", Codes: []int{3}},
		{Name: "irrigated", Codes: []int{2, 3}},
	}
	idx := CodeIndex(types)
	assert.Equal(t, 0, idx[3])
	assert.Equal(t, 1, idx[2])
	assert.Equal(t, []int{2, 3}, AgriculturalCodes(types))
	assert.True(t, types[1].Has(2))
	assert.False(t, types[0].Has(2))
}

func TestRunCountsStatus(t *testing.T) {
	var c RunCounts
	c.Add(UnitSucceeded)
	c.Add(UnitSkipped)
	assert.Equal(t, RunComplete, c.Status())

	c.Add(UnitFailed)
	assert.Equal(t, RunPartial, c.Status())

	assert.Equal(t, RunFailed, RunCounts{Failed: 2}.Status())
}
