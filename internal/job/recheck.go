package job

import (
	"context"

	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/types"
)

const stateChunkSize = 5000

// Predicate decides, per cursor position, whether the provider is called
type Predicate func(index int) bool

// shouldCheck applies a recheck type to an address's check state
func shouldCheck(rt types.RecheckType, st models.CheckState) bool {
	switch rt {
	case types.RecheckUnchecked:
		return !st.HasCheck
	case types.RecheckFailed:
		return st.HasCheck && st.LastFailed
	case types.RecheckNotServiceable:
		return st.LastSuccess != nil && *st.LastSuccess != types.StatusServiceable
	default:
		return true
	}
}

// buildPredicate evaluates the recheck type once for positions [from, len(ids)) of the ordering.
// Positions before from are never asked about.
func buildPredicate(ctx context.Context, states CheckStates, provider string, rt types.RecheckType, ids []int64, from int) (Predicate, error) {
	if rt == types.RecheckAll || rt == "" {
		return func(int) bool { return true }, nil
	}

	if from > len(ids) {
		from = len(ids)
	}
	include := make([]bool, len(ids))
	for start := from; start < len(ids); start += stateChunkSize {
		end := start + stateChunkSize
		if end > len(ids) {
			end = len(ids)
		}

		chunk, err := states.States(ctx, provider, ids[start:end])
		if err != nil {
			return nil, err
		}
		for i := start; i < end; i++ {
			include[i] = shouldCheck(rt, chunk[ids[i]])
		}
	}

	return func(index int) bool {
		return index >= 0 && index < len(include) && include[index]
	}, nil
}
