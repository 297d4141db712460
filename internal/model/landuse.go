package model

import "sort"

// LandUseType names a cropland management type and the land-use raster codes
// that belong to it.
type LandUseType struct {
	Name  string `json:"name" yaml:"name" mapstructure:"name"`
	Codes []int  `json:"codes" yaml:"codes" mapstructure:"codes"`
}

// Has reports whether code belongs to the type.
func (t LandUseType) Has(code int) bool {
	for _, c := range t.Codes {
		if c == code {
			return true
		}
	}
	return false
}

// DefaultLandUseTypes returns the LGRIP30 cropland classes: 3 is rainfed, 2 is
// irrigated.
func DefaultLandUseTypes() []LandUseType {
	return []LandUseType{
		{Name: "rainfed", Codes: []int{3}},
		{Name: "irrigated", Codes: []int{2}},
	}
}

// CodeIndex maps every agricultural code to the position of its type in
// types. A code listed under two types keeps the first.
func CodeIndex(types []LandUseType) map[int]int {
	idx := make(map[int]int)
	for i, t := range types {
		for _, c := range t.Codes {
			if _, ok := idx[c]; !ok {
				idx[c] = i
			}
		}
	}
	return idx
}

// AgriculturalCodes returns the sorted union of all type codes.
func AgriculturalCodes(types []LandUseType) []int {
	idx := CodeIndex(types)
	codes := make([]int, 0, len(idx))
	for c := range idx {
		codes = append(codes, c)
	}
	sort.Ints(codes)
	return codes
}
