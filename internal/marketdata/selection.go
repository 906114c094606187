package marketdata

import (
	"math/rand"
	"sort"

	"github.com/mExOms/ashare-backtest/pkg/types"
)

// StratifiedSample picks up to maxN symbols spread across code-prefix groups
// (the first three characters bucket symbols by board and exchange).
// Deterministic for a given seed.
func StratifiedSample(symbols []string, maxN int, seed int64) []string {
	if maxN <= 0 || maxN >= len(symbols) {
		out := append([]string(nil), symbols...)
		sort.Strings(out)
		return out
	}

	groups := make(map[string][]string)
	var prefixes []string
	for _, symbol := range symbols {
		prefix := symbol
		if len(prefix) > 3 {
			prefix = prefix[:3]
		}
		if _, ok := groups[prefix]; !ok {
			prefixes = append(prefixes, prefix)
		}
		groups[prefix] = append(groups[prefix], symbol)
	}
	sort.Strings(prefixes)

	rng := rand.New(rand.NewSource(seed))
	for _, prefix := range prefixes {
		group := groups[prefix]
		sort.Strings(group)
		rng.Shuffle(len(group), func(i, j int) { group[i], group[j] = group[j], group[i] })
	}

	// Round-robin across groups until the quota fills.
	var out []string
	idx := make(map[string]int, len(prefixes))
	for len(out) < maxN {
		advanced := false
		for _, prefix := range prefixes {
			if len(out) >= maxN {
				break
			}
			group := groups[prefix]
			if idx[prefix] < len(group) {
				out = append(out, group[idx[prefix]])
				idx[prefix]++
				advanced = true
			}
		}
		if !advanced {
			break
		}
	}

	sort.Strings(out)
	return out
}

// TopKByScore scores every frame's last bar and keeps the maxN best symbols.
// Ties break by symbol so the result is deterministic.
func TopKByScore(frames map[string]*types.DailyFrame, scorer Scorer, maxN int) []string {
	type scored struct {
		symbol string
		score  float64
	}

	ranked := make([]scored, 0, len(frames))
	for symbol, frame := range frames {
		if frame.Len() == 0 {
			continue
		}
		lastBar := frame.Bars[frame.Dates[len(frame.Dates)-1]]
		ranked = append(ranked, scored{symbol: symbol, score: scorer(symbol, lastBar)})
	}

	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].symbol < ranked[j].symbol
	})

	if maxN > len(ranked) {
		maxN = len(ranked)
	}
	out := make([]string, maxN)
	for i := 0; i < maxN; i++ {
		out[i] = ranked[i].symbol
	}
	return out
}
