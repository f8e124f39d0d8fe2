// Package ingest turns uploaded GeoJSON into address rows.
package ingest

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/paulmach/orb/geojson"

	"github.com/serviceability-scanner/internal/errors"
)

type readerState int

const (
	stateStart readerState = iota
	stateCollection
	stateStream
	stateDone
)

// FeatureReader streams features from a FeatureCollection document or from
// whitespace separated Feature objects. Only one feature is decoded at a time.
type FeatureReader struct {
	dec   *json.Decoder
	state readerState
	index int
	first json.RawMessage
}

// NewFeatureReader creates a reader over r
func NewFeatureReader(r io.Reader) *FeatureReader {
	return &FeatureReader{dec: json.NewDecoder(r)}
}

// Next returns the next feature, or io.EOF after the last one.
// Structural problems are returned as parse errors.
func (fr *FeatureReader) Next() (*geojson.Feature, error) {
	raw, err := fr.nextRaw()
	if err != nil {
		return nil, err
	}

	var env featureEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "Feature" {
		return nil, errors.NewParseError(fmt.Sprintf("feature %d is not a valid GeoJSON Feature", fr.index), err)
	}

	// orb decodes empty or null coordinates as the point 0,0, so usability is checked on the raw geometry
	if !hasPositions(env.Geometry) {
		return env.withoutGeometry(), nil
	}

	f, err := geojson.UnmarshalFeature(raw)
	if err != nil {
		if _, geomErr := geojson.UnmarshalGeometry(env.Geometry); geomErr != nil {
			return env.withoutGeometry(), nil
		}
		return nil, errors.NewParseError(fmt.Sprintf("feature %d is not a valid GeoJSON Feature", fr.index), err)
	}
	return f, nil
}

// featureEnvelope is a Feature with its geometry left undecoded
type featureEnvelope struct {
	Type       string             `json:"type"`
	ID         interface{}        `json:"id,omitempty"`
	Geometry   json.RawMessage    `json:"geometry"`
	Properties geojson.Properties `json:"properties"`
}

// withoutGeometry returns the feature with a nil geometry, which normalization skips
func (e featureEnvelope) withoutGeometry() *geojson.Feature {
	return &geojson.Feature{Type: "Feature", ID: e.ID, Properties: e.Properties}
}

// hasPositions reports whether a raw geometry carries at least one complete position
// at every level of its coordinates. Collections need every member to qualify.
func hasPositions(raw json.RawMessage) bool {
	var g struct {
		Type        string            `json:"type"`
		Coordinates interface{}       `json:"coordinates"`
		Geometries  []json.RawMessage `json:"geometries"`
	}
	if len(raw) == 0 || json.Unmarshal(raw, &g) != nil || g.Type == "" {
		return false
	}

	if g.Type == "GeometryCollection" {
		if len(g.Geometries) == 0 {
			return false
		}
		for _, m := range g.Geometries {
			if !hasPositions(m) {
				return false
			}
		}
		return true
	}
	return validPositions(g.Coordinates)
}

func validPositions(v interface{}) bool {
	arr, ok := v.([]interface{})
	if !ok || len(arr) == 0 {
		return false
	}
	if _, isNum := arr[0].(float64); isNum {
		if len(arr) < 2 {
			return false
		}
		for _, c := range arr {
			if _, ok := c.(float64); !ok {
				return false
			}
		}
		return true
	}
	for _, c := range arr {
		if !validPositions(c) {
			return false
		}
	}
	return true
}

// Index returns the number of features read so far
func (fr *FeatureReader) Index() int {
	return fr.index
}

func (fr *FeatureReader) nextRaw() (json.RawMessage, error) {
	switch fr.state {
	case stateStart:
		if err := fr.readHead(); err != nil {
			fr.state = stateDone
			return nil, err
		}
		return fr.nextRaw()

	case stateCollection:
		if fr.dec.More() {
			var raw json.RawMessage
			if err := fr.dec.Decode(&raw); err != nil {
				fr.state = stateDone
				return nil, parseErr(fmt.Sprintf("invalid JSON in feature %d", fr.index+1), err)
			}
			fr.index++
			return raw, nil
		}
		fr.state = stateDone
		if err := fr.readTail(); err != nil {
			return nil, err
		}
		return nil, io.EOF

	case stateStream:
		if fr.first != nil {
			raw := fr.first
			fr.first = nil
			fr.index++
			return raw, nil
		}
		var raw json.RawMessage
		if err := fr.dec.Decode(&raw); err != nil {
			fr.state = stateDone
			if err == io.EOF {
				return nil, io.EOF
			}
			return nil, parseErr(fmt.Sprintf("invalid JSON in feature %d", fr.index+1), err)
		}
		fr.index++
		return raw, nil
	}
	return nil, io.EOF
}

// readHead consumes the first top-level object up to the start of its "features" array.
// An object without "features" must itself be a Feature, which starts a line-delimited stream.
func (fr *FeatureReader) readHead() error {
	tok, err := fr.dec.Token()
	if err == io.EOF {
		return errors.NewParseError("input is empty", nil)
	}
	if err != nil {
		return parseErr("invalid JSON", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return errors.NewParseError("input must be a GeoJSON object", nil)
	}

	fields := make(map[string]json.RawMessage)
	for fr.dec.More() {
		keyTok, err := fr.dec.Token()
		if err != nil {
			return parseErr("invalid JSON", err)
		}
		key, _ := keyTok.(string)

		if key == "features" {
			tok, err := fr.dec.Token()
			if err != nil {
				return parseErr("invalid JSON", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return errors.NewParseError(`"features" must be an array`, nil)
			}
			fr.state = stateCollection
			return nil
		}

		var raw json.RawMessage
		if err := fr.dec.Decode(&raw); err != nil {
			return parseErr("invalid JSON", err)
		}
		fields[key] = raw
	}
	if _, err := fr.dec.Token(); err != nil {
		return parseErr("invalid JSON", err)
	}

	var typ string
	if err := json.Unmarshal(fields["type"], &typ); err != nil || typ != "Feature" {
		return errors.NewParseError("input is neither a FeatureCollection nor a Feature stream", nil)
	}

	first, err := json.Marshal(fields)
	if err != nil {
		return errors.NewParseError("invalid feature", err)
	}
	fr.first = first
	fr.state = stateStream
	return nil
}

// readTail consumes what follows the features array and rejects trailing documents
func (fr *FeatureReader) readTail() error {
	if _, err := fr.dec.Token(); err != nil { // ]
		return parseErr("invalid JSON", err)
	}
	for fr.dec.More() {
		if _, err := fr.dec.Token(); err != nil {
			return parseErr("invalid JSON", err)
		}
		var skip json.RawMessage
		if err := fr.dec.Decode(&skip); err != nil {
			return parseErr("invalid JSON", err)
		}
	}
	if _, err := fr.dec.Token(); err != nil { // }
		return parseErr("invalid JSON", err)
	}
	if _, err := fr.dec.Token(); err != io.EOF {
		return errors.NewParseError("unexpected data after FeatureCollection", err)
	}
	return nil
}

func parseErr(msg string, err error) error {
	return errors.NewParseError(msg, err)
}

// CountFeatures scans r without decoding geometries and returns the number of features
func CountFeatures(r io.Reader) (int, error) {
	fr := NewFeatureReader(r)
	for {
		_, err := fr.nextRaw()
		if err == io.EOF {
			return fr.index, nil
		}
		if err != nil {
			return fr.index, err
		}
	}
}
