package adapter

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/serviceability-scanner/internal/config"
	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/retry"
)

// ErrUnauthorized indicates the provider rejected our credentials. Jobs must stop on it.
var ErrUnauthorized = stderrors.New("provider rejected credentials")

// ServiceabilityProvider checks whether an address can be served
type ServiceabilityProvider interface {
	// Name returns the provider identifier recorded on check rows
	Name() string

	// Check asks the provider about one address.
	// Fatal conditions are returned as FatalProviderError wrapping ErrUnauthorized.
	Check(ctx context.Context, addr *models.Address) (*models.CheckResult, error)
}

// checkRequest is the JSON body sent to HTTP providers
type checkRequest struct {
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	Address   string  `json:"address,omitempty"`
	Number    string  `json:"number,omitempty"`
	Street    string  `json:"street,omitempty"`
	Unit      string  `json:"unit,omitempty"`
	City      string  `json:"city,omitempty"`
	Region    string  `json:"region,omitempty"`
	Postcode  string  `json:"postcode,omitempty"`
}

// checkResponse is the JSON body returned by HTTP providers
type checkResponse struct {
	Serviceable        bool       `json:"serviceable"`
	ServiceabilityType string     `json:"serviceabilityType"`
	SalesType          string     `json:"salesType"`
	Status             string     `json:"status"`
	CStatus            string     `json:"cstatus"`
	IsPreSale          bool       `json:"isPreSale"`
	SalesStatus        string     `json:"salesStatus"`
	MatchType          string     `json:"matchType"`
	CheckedAt          *time.Time `json:"checkedAt"`
	UpdatedAt          *time.Time `json:"updatedAt"`
}

// HTTPProvider implements ServiceabilityProvider against a JSON-over-HTTP endpoint
type HTTPProvider struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	retry   *retry.RetryConfig
}

// NewHTTPProvider creates an HTTP-backed provider
func NewHTTPProvider(name string, cfg config.ProviderConfig) *HTTPProvider {
	retryCfg := retry.DefaultRetryConfig()
	retryCfg.Retryable = isTransient

	return &HTTPProvider{
		name:    name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: cfg.Timeout},
		retry:   retryCfg,
	}
}

// Name returns the provider identifier
func (p *HTTPProvider) Name() string {
	return p.name
}

// Check posts the address to {baseURL}/check, retrying throttled and 5xx responses
func (p *HTTPProvider) Check(ctx context.Context, addr *models.Address) (*models.CheckResult, error) {
	body, err := json.Marshal(newCheckRequest(addr))
	if err != nil {
		return nil, errors.NewInternalError("failed to encode check request", err)
	}

	var result *models.CheckResult
	err = retry.Do(ctx, p.retry, func(ctx context.Context, attempt int) error {
		var callErr error
		result, callErr = p.do(ctx, body)
		return callErr
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (p *HTTPProvider) do(ctx context.Context, body []byte) (*models.CheckResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/check", bytes.NewReader(body))
	if err != nil {
		return nil, errors.NewInternalError("failed to create request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if stderrors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, errors.NewProviderTimeoutError(p.name, err)
		}
		return nil, errors.NewProviderError(p.name, fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errors.NewProviderError(p.name, fmt.Errorf("failed to read response: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.NewFatalProviderError(p.name, ErrUnauthorized)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, errors.NewProviderError(p.name, fmt.Errorf("HTTP error: %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, &permanentError{errors.NewProviderError(p.name, fmt.Errorf("HTTP error: %d - %s", resp.StatusCode, truncate(payload, 200)))}
	}

	var decoded checkResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, &permanentError{errors.NewProviderError(p.name, fmt.Errorf("invalid response: %w", err))}
	}

	return &models.CheckResult{
		Serviceable:        decoded.Serviceable,
		ServiceabilityType: decoded.ServiceabilityType,
		SalesType:          decoded.SalesType,
		Status:             decoded.Status,
		CStatus:            decoded.CStatus,
		IsPreSale:          decoded.IsPreSale,
		SalesStatus:        decoded.SalesStatus,
		MatchType:          decoded.MatchType,
		ProviderCheckedAt:  decoded.CheckedAt,
		ProviderUpdatedAt:  decoded.UpdatedAt,
	}, nil
}

// permanentError marks a per-item provider error that retrying will not fix
type permanentError struct {
	error
}

func (e *permanentError) Unwrap() error { return e.error }

func isTransient(err error) bool {
	var perm *permanentError
	if stderrors.As(err, &perm) {
		return false
	}
	return !errors.IsFatal(err) && errors.IsRetryable(err)
}

func isTimeout(err error) bool {
	var t interface{ Timeout() bool }
	return stderrors.As(err, &t) && t.Timeout()
}

func newCheckRequest(a *models.Address) checkRequest {
	return checkRequest{
		Longitude: a.Longitude,
		Latitude:  a.Latitude,
		Address:   a.RawAddress,
		Number:    deref(a.Number),
		Street:    deref(a.Street),
		Unit:      deref(a.Unit),
		City:      deref(a.City),
		Region:    deref(a.Region),
		Postcode:  deref(a.Postcode),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
