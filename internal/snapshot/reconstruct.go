// Package snapshot reconstructs point-in-time serviceability views from append-only check history.
package snapshot

import (
	"sort"
	"time"

	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/types"
)

// EffectiveCheck is the check that defines a provider's answer for an address at the cutoff
type EffectiveCheck struct {
	Provider  string                `json:"provider" msgpack:"provider"`
	CheckID   string                `json:"checkId" msgpack:"check_id"`
	CheckedAt time.Time             `json:"checkedAt" msgpack:"checked_at"`
	Status    types.EffectiveStatus `json:"status" msgpack:"status"`
}

// AddressSnapshot is the combined status of one address as of the cutoff
type AddressSnapshot struct {
	AddressID int64                 `json:"addressId" msgpack:"address_id"`
	Status    types.EffectiveStatus `json:"status" msgpack:"status"`
	// Providers is sorted by provider name
	Providers []EffectiveCheck `json:"providers" msgpack:"providers"`
}

// Summary counts addresses per combined status
type Summary struct {
	Total       int `json:"total" msgpack:"total"`
	Serviceable int `json:"serviceable" msgpack:"serviceable"`
	Preorder    int `json:"preorder" msgpack:"preorder"`
	None        int `json:"none" msgpack:"none"`
	Unchecked   int `json:"unchecked" msgpack:"unchecked"`
}

// later reports whether a supersedes b as a provider's effective check
func later(a, b *models.ServiceabilityCheck) bool {
	if !a.CheckedAt.Equal(b.CheckedAt) {
		return a.CheckedAt.After(b.CheckedAt)
	}
	return a.ID > b.ID
}

// Reconstruct returns one snapshot per address, in the order of addressIDs.
// For each (address, provider) the effective check is the latest non-error check at or
// before cutoff. Error checks are dropped before that choice, so a newer error never
// masks an older answer and a provider with only error checks contributes nothing.
// The combined status is the best effective status across providers,
// or unchecked when no provider has one. Checks for addresses not listed are ignored.
func Reconstruct(addressIDs []int64, checks []*models.ServiceabilityCheck, cutoff time.Time) []AddressSnapshot {
	effective := make(map[int64]map[string]*models.ServiceabilityCheck, len(addressIDs))
	for _, id := range addressIDs {
		effective[id] = nil
	}

	for _, c := range checks {
		if c.Failed() || c.CheckedAt.After(cutoff) {
			continue
		}
		byProvider, listed := effective[c.AddressID]
		if !listed {
			continue
		}
		if byProvider == nil {
			byProvider = make(map[string]*models.ServiceabilityCheck)
			effective[c.AddressID] = byProvider
		}
		if cur, ok := byProvider[c.Provider]; !ok || later(c, cur) {
			byProvider[c.Provider] = c
		}
	}

	out := make([]AddressSnapshot, 0, len(addressIDs))
	for _, id := range addressIDs {
		snap := AddressSnapshot{AddressID: id, Status: types.StatusUnchecked, Providers: []EffectiveCheck{}}
		for provider, c := range effective[id] {
			status := c.Classify()
			snap.Providers = append(snap.Providers, EffectiveCheck{
				Provider:  provider,
				CheckID:   c.ID,
				CheckedAt: c.CheckedAt,
				Status:    status,
			})
			if status.Rank() < snap.Status.Rank() {
				snap.Status = status
			}
		}
		sort.Slice(snap.Providers, func(i, j int) bool { return snap.Providers[i].Provider < snap.Providers[j].Provider })
		out = append(out, snap)
	}
	return out
}

// Summarize counts snapshots per combined status
func Summarize(snaps []AddressSnapshot) Summary {
	s := Summary{Total: len(snaps)}
	for _, snap := range snaps {
		switch snap.Status {
		case types.StatusServiceable:
			s.Serviceable++
		case types.StatusPreorder:
			s.Preorder++
		case types.StatusNone:
			s.None++
		default:
			s.Unchecked++
		}
	}
	return s
}

// Bucket truncates timestamps to resolution and returns the distinct buckets in ascending order
func Bucket(times []time.Time, resolution time.Duration) []time.Time {
	out := make([]time.Time, 0, len(times))
	seen := make(map[int64]struct{}, len(times))
	for _, t := range times {
		b := t.UTC()
		if resolution > 0 {
			b = b.Truncate(resolution)
		}
		if _, ok := seen[b.UnixNano()]; ok {
			continue
		}
		seen[b.UnixNano()] = struct{}{}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}
