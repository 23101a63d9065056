package composer

import "math"

// Metrics quantifies how well a composed batch spreads domains. Recorded
// for observability only; nothing branches on these values.
type Metrics struct {
	// DistributionScore is the mean fraction of unique domains inside
	// sliding windows of the output (1.0 = every window all-unique).
	DistributionScore float64 `json:"distribution_score"`
	// DiversityIndex is the normalized Shannon entropy over domain sizes.
	DiversityIndex float64 `json:"diversity_index"`
	// ClusteringScore is the fraction of adjacent same-domain pairs
	// (0.0 = no clustering).
	ClusteringScore float64 `json:"clustering_score"`
	// Domains is the number of distinct domains in the batch.
	Domains int `json:"domains"`
}

// Measure computes distribution metrics for an ordered batch.
func Measure(ordered []string) Metrics {
	if len(ordered) == 0 {
		return Metrics{}
	}

	domains := make([]string, len(ordered))
	counts := make(map[string]int)
	for i, email := range ordered {
		domains[i] = Domain(email)
		counts[domains[i]]++
	}

	return Metrics{
		DistributionScore: distributionScore(domains, len(counts)),
		DiversityIndex:    diversityIndex(counts, len(ordered)),
		ClusteringScore:   clusteringScore(domains),
		Domains:           len(counts),
	}
}

// distributionScore slides a window of min(numDomains, 5) over the sequence
// and averages the unique-domain fraction per window.
func distributionScore(domains []string, numDomains int) float64 {
	window := numDomains
	if window > 5 {
		window = 5
	}
	if window < 2 || len(domains) < window {
		return 1.0
	}

	var total float64
	n := 0
	for i := 0; i+window <= len(domains); i++ {
		seen := make(map[string]struct{}, window)
		for _, d := range domains[i : i+window] {
			seen[d] = struct{}{}
		}
		total += float64(len(seen)) / float64(window)
		n++
	}
	return total / float64(n)
}

// diversityIndex is Shannon entropy over domain frequencies, normalized to
// [0,1] by the maximum entropy log2(numDomains).
func diversityIndex(counts map[string]int, total int) float64 {
	if len(counts) <= 1 {
		return 0
	}
	var entropy float64
	for _, c := range counts {
		p := float64(c) / float64(total)
		entropy -= p * math.Log2(p)
	}
	return entropy / math.Log2(float64(len(counts)))
}

// clusteringScore counts adjacent same-domain pairs over all adjacent pairs.
func clusteringScore(domains []string) float64 {
	if len(domains) < 2 {
		return 0
	}
	same := 0
	for i := 1; i < len(domains); i++ {
		if domains[i] == domains[i-1] {
			same++
		}
	}
	return float64(same) / float64(len(domains)-1)
}
