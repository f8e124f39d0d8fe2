package models

import (
	"encoding/json"
	"time"
)

// Source represents one uploaded geographic dataset
type Source struct {
	ID           string    `json:"id" db:"id"`
	Name         string    `json:"name" db:"name"`
	FileName     string    `json:"fileName" db:"file_name"`
	UploadedAt   time.Time `json:"uploadedAt" db:"uploaded_at"`
	AddressCount int       `json:"addressCount" db:"address_count"`
}

// Address represents one normalized address record owned by a Source.
// Ids are assigned in insertion order and define the deterministic order used by batch jobs.
type Address struct {
	ID         int64           `json:"id" db:"id"`
	SourceID   string          `json:"sourceId" db:"source_id"`
	Longitude  float64         `json:"longitude" db:"longitude"`
	Latitude   float64         `json:"latitude" db:"latitude"`
	Number     *string         `json:"number,omitempty" db:"number"`
	Street     *string         `json:"street,omitempty" db:"street"`
	Unit       *string         `json:"unit,omitempty" db:"unit"`
	City       *string         `json:"city,omitempty" db:"city"`
	Region     *string         `json:"region,omitempty" db:"region"`
	Postcode   *string         `json:"postcode,omitempty" db:"postcode"`
	RawAddress string          `json:"rawAddress" db:"raw_address"`
	Properties json.RawMessage `json:"properties,omitempty" db:"properties"`
	CreatedAt  time.Time       `json:"createdAt" db:"created_at"`
}

// MissingLocality reports whether city or postcode still needs enrichment
func (a *Address) MissingLocality() bool {
	return isBlank(a.City) || isBlank(a.Postcode)
}

// Selection is a named subset of addresses
type Selection struct {
	ID        string    `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	SourceID  *string   `json:"sourceId,omitempty" db:"source_id"`
	CreatedAt time.Time `json:"createdAt" db:"created_at"`
}

// GeocodeCacheEntry maps a grid cell to its resolved locality
type GeocodeCacheEntry struct {
	CellKey    string    `json:"cellKey" db:"cell_key" msgpack:"cell_key"`
	City       *string   `json:"city,omitempty" db:"city" msgpack:"city"`
	Postcode   *string   `json:"postcode,omitempty" db:"postcode" msgpack:"postcode"`
	ResolvedAt time.Time `json:"resolvedAt" db:"resolved_at" msgpack:"resolved_at"`
}

func isBlank(s *string) bool {
	return s == nil || *s == ""
}

// LocalityUpdate carries geocoded values for an address; only blank fields are overwritten
type LocalityUpdate struct {
	AddressID int64
	City      *string
	Postcode  *string
}
