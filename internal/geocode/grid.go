// Package geocode resolves address coordinates to locality through a grid-cell cache
// backed by a rate limited reverse geocoder.
package geocode

import (
	"math"
	"strconv"

	"github.com/paulmach/orb"
)

// DefaultPrecision rounds coordinates to 4 decimals, roughly 11 m at the equator
const DefaultPrecision = 4

const maxPrecision = 8

func clampPrecision(precision int) int {
	if precision < 0 {
		return 0
	}
	if precision > maxPrecision {
		return maxPrecision
	}
	return precision
}

func round(v float64, precision int) float64 {
	scale := math.Pow(10, float64(precision))
	r := math.Round(v*scale) / scale
	if r == 0 {
		// avoid "-0.0000" keys
		return 0
	}
	return r
}

// Snap rounds a point to the center of its grid cell
func Snap(p orb.Point, precision int) orb.Point {
	precision = clampPrecision(precision)
	return orb.Point{round(p.Lon(), precision), round(p.Lat(), precision)}
}

// CellKey returns the cache key "<lat>,<lon>" of the cell containing p
func CellKey(p orb.Point, precision int) string {
	precision = clampPrecision(precision)
	s := Snap(p, precision)
	return strconv.FormatFloat(s.Lat(), 'f', precision, 64) + "," + strconv.FormatFloat(s.Lon(), 'f', precision, 64)
}
