package adapter

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/serviceability-scanner/internal/errors"
)

// Locality is the reverse geocoding answer for a point. Empty fields mean the geocoder had no value.
type Locality struct {
	City     string
	Postcode string
}

// ReverseGeocoder resolves a coordinate to its city and postcode
type ReverseGeocoder interface {
	Reverse(ctx context.Context, lon, lat float64) (*Locality, error)
}

// NominatimGeocoder implements ReverseGeocoder against a Nominatim-compatible /reverse endpoint
type NominatimGeocoder struct {
	baseURL   string
	userAgent string
	client    *http.Client
}

// NewNominatimGeocoder creates a geocoder client
func NewNominatimGeocoder(baseURL, userAgent string, timeout time.Duration) *NominatimGeocoder {
	return &NominatimGeocoder{
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
		client:    &http.Client{Timeout: timeout},
	}
}

type nominatimResponse struct {
	Error   string `json:"error"`
	Address struct {
		City         string `json:"city"`
		Town         string `json:"town"`
		Village      string `json:"village"`
		Hamlet       string `json:"hamlet"`
		Municipality string `json:"municipality"`
		Postcode     string `json:"postcode"`
	} `json:"address"`
}

// Reverse issues one reverse geocoding request. Callers are responsible for rate limiting.
func (g *NominatimGeocoder) Reverse(ctx context.Context, lon, lat float64) (*Locality, error) {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", strconv.FormatFloat(lat, 'f', -1, 64))
	q.Set("lon", strconv.FormatFloat(lon, 'f', -1, 64))
	q.Set("zoom", "18")
	q.Set("addressdetails", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+q.Encode(), nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to create request", err)
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errors.NewProviderTimeoutError("geocoder", err)
		}
		return nil, errors.NewProviderError("geocoder", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.NewProviderError("geocoder", fmt.Errorf("geocoder status %d", resp.StatusCode))
	}

	var decoded nominatimResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, errors.NewProviderError("geocoder", fmt.Errorf("invalid response: %w", err))
	}
	if decoded.Error != "" {
		return nil, errors.NewProviderError("geocoder", fmt.Errorf("geocoder error: %s", decoded.Error))
	}

	a := decoded.Address
	return &Locality{
		City:     firstNonEmpty(a.City, a.Town, a.Village, a.Municipality, a.Hamlet),
		Postcode: strings.TrimSpace(a.Postcode),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
