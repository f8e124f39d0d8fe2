package ingest

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"github.com/serviceability-scanner/internal/models"
)

// Property keys recognised for each structured field, in priority order
var (
	numberKeys   = []string{"number", "house_number", "housenumber", "addr:housenumber"}
	streetKeys   = []string{"street", "addr:street", "road"}
	unitKeys     = []string{"unit", "apt", "addr:unit"}
	cityKeys     = []string{"city", "addr:city", "locality", "town"}
	regionKeys   = []string{"region", "district", "state", "addr:state"}
	postcodeKeys = []string{"postcode", "zip", "zipcode", "postal_code", "addr:postcode"}
	rawKeys      = []string{"address", "full_address", "fulladdress"}
)

// Normalize converts a feature to an address owned by sourceID.
// It returns false when the feature has no usable coordinates.
func Normalize(sourceID string, f *geojson.Feature) (*models.Address, bool) {
	pt, ok := representativePoint(f.Geometry)
	if !ok {
		return nil, false
	}

	props := lowerKeys(f.Properties)
	addr := &models.Address{
		SourceID:  sourceID,
		Longitude: pt.Lon(),
		Latitude:  pt.Lat(),
		Number:    lookup(props, numberKeys),
		Street:    lookup(props, streetKeys),
		Unit:      lookup(props, unitKeys),
		City:      lookup(props, cityKeys),
		Region:    lookup(props, regionKeys),
		Postcode:  lookup(props, postcodeKeys),
	}

	if raw := lookup(props, rawKeys); raw != nil {
		addr.RawAddress = *raw
	} else {
		addr.RawAddress = assemble(addr)
	}

	if len(f.Properties) > 0 {
		if blob, err := json.Marshal(f.Properties); err == nil {
			addr.Properties = blob
		}
	}

	return addr, true
}

// representativePoint returns the point itself, or the center of the bounds for other geometries
func representativePoint(g orb.Geometry) (orb.Point, bool) {
	if g == nil || isEmpty(g) {
		return orb.Point{}, false
	}

	var pt orb.Point
	if p, ok := g.(orb.Point); ok {
		pt = p
	} else {
		pt = g.Bound().Center()
	}

	lon, lat := pt.Lon(), pt.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) || lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return orb.Point{}, false
	}
	return pt, true
}

func isEmpty(g orb.Geometry) bool {
	switch v := g.(type) {
	case orb.MultiPoint:
		return len(v) == 0
	case orb.LineString:
		return len(v) == 0
	case orb.MultiLineString:
		return len(v) == 0
	case orb.Ring:
		return len(v) == 0
	case orb.Polygon:
		return len(v) == 0 || len(v[0]) == 0
	case orb.MultiPolygon:
		return len(v) == 0
	case orb.Collection:
		for _, c := range v {
			if !isEmpty(c) {
				return false
			}
		}
		return true
	}
	return false
}

func lowerKeys(props geojson.Properties) map[string]interface{} {
	out := make(map[string]interface{}, len(props))
	for k, v := range props {
		out[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return out
}

func lookup(props map[string]interface{}, keys []string) *string {
	for _, k := range keys {
		v, ok := props[k]
		if !ok {
			continue
		}
		if s := stringify(v); s != "" {
			return &s
		}
	}
	return nil
}

func stringify(v interface{}) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	case bool:
		return strconv.FormatBool(t)
	}
	return ""
}

// assemble builds "number street unit, city, region postcode" from whatever is present
func assemble(a *models.Address) string {
	line := joinNonEmpty(" ", a.Number, a.Street, a.Unit)
	tail := joinNonEmpty(" ", a.Region, a.Postcode)

	parts := make([]string, 0, 3)
	for _, p := range []string{line, deref(a.City), tail} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func joinNonEmpty(sep string, values ...*string) string {
	parts := make([]string, 0, len(values))
	for _, v := range values {
		if s := deref(v); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, sep)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
