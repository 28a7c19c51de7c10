package features

import (
	"fmt"
	"math/rand"
	"sort"
)

// MonthlyPolicy picks which days survive monthly resampling.
type MonthlyPolicy string

const (
	// MonthlyLast keeps the chronologically last n days of each month,
	// biasing the monthly regime toward each month's closing state.
	MonthlyLast MonthlyPolicy = "last"
	// MonthlyRandom keeps a seeded random subset of each month.
	MonthlyRandom MonthlyPolicy = "random"
)

// ResampleMonthly keeps at most n points per (location, year, month).
// Points are expected in per-location chronological order and come back
// the same way; with MonthlyRandom the result is deterministic for a given
// seed and input order.
func ResampleMonthly(points []Point, n int, policy MonthlyPolicy, seed int64) ([]Point, error) {
	if n <= 0 {
		return nil, fmt.Errorf("features: monthly sample size %d, want > 0", n)
	}
	switch policy {
	case MonthlyLast, MonthlyRandom:
	default:
		return nil, fmt.Errorf("features: unknown monthly policy %q", policy)
	}

	type bucketKey struct {
		location    string
		year, month int
	}
	var order []bucketKey
	buckets := make(map[bucketKey][]int)
	for i, p := range points {
		key := bucketKey{p.Location, p.Date.Year(), int(p.Date.Month())}
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], i)
	}

	rng := rand.New(rand.NewSource(seed))
	var out []Point
	for _, key := range order {
		idx := buckets[key]
		var keep []int
		switch {
		case len(idx) <= n:
			keep = idx
		case policy == MonthlyLast:
			keep = idx[len(idx)-n:]
		default:
			perm := rng.Perm(len(idx))[:n]
			sort.Ints(perm)
			keep = make([]int, n)
			for j, p := range perm {
				keep[j] = idx[p]
			}
		}
		for _, i := range keep {
			out = append(out, points[i])
		}
	}
	return out, nil
}
