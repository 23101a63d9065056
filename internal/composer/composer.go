// Package composer orders a batch of emails so consecutive requests spread
// across mail-server domains. A slow or rate-limiting receiver then affects
// isolated positions in the batch instead of a contiguous run.
package composer

import (
	"math/rand"
	"sort"
	"strings"
)

// Strategy selects the interleaving algorithm.
type Strategy string

const (
	// RoundRobin takes one email from each domain group in rotation.
	// This is the reference strategy.
	RoundRobin Strategy = "round_robin"
	// Weighted spaces each domain's emails evenly across the output.
	Weighted Strategy = "weighted"
	// Random shuffles the whole batch.
	Random Strategy = "random"
	// SizeBased drains the largest remaining group first, one at a time.
	SizeBased Strategy = "size_based"
)

// Composer reorders email batches by domain.
type Composer struct {
	strategy Strategy
	rand     *rand.Rand
}

// New creates a Composer. An unknown or empty strategy falls back to
// round-robin.
func New(strategy Strategy) *Composer {
	switch strategy {
	case RoundRobin, Weighted, Random, SizeBased:
	default:
		strategy = RoundRobin
	}
	return &Composer{
		strategy: strategy,
		rand:     rand.New(rand.NewSource(rand.Int63())),
	}
}

// Strategy returns the configured strategy.
func (c *Composer) Strategy() Strategy { return c.strategy }

// Optimize returns a permutation of emails ordered by the configured
// strategy. Empty input yields empty output. A single-domain batch is
// shuffled: interleaving is impossible but ordering bias is removed.
func (c *Composer) Optimize(emails []string) []string {
	if len(emails) == 0 {
		return []string{}
	}

	groups, order := groupByDomain(emails)
	if len(groups) == 1 {
		out := append([]string(nil), emails...)
		c.rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	}

	switch c.strategy {
	case Weighted:
		return c.weighted(emails, groups, order)
	case Random:
		out := append([]string(nil), emails...)
		c.rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
		return out
	case SizeBased:
		return c.sizeBased(emails, groups, order)
	default:
		return c.roundRobin(emails, groups, order)
	}
}

// roundRobin repeatedly takes one email from each domain group in rotation,
// skipping exhausted groups, until all groups are drained.
func (c *Composer) roundRobin(emails []string, groups map[string][]string, order []string) []string {
	out := make([]string, 0, len(emails))
	cursors := make(map[string]int, len(groups))
	for len(out) < len(emails) {
		progressed := false
		for _, domain := range order {
			group := groups[domain]
			if cursors[domain] >= len(group) {
				continue
			}
			out = append(out, group[cursors[domain]])
			cursors[domain]++
			progressed = true
		}
		if !progressed {
			break
		}
	}
	return out
}

// weighted places each domain's emails at evenly spaced slots proportional
// to its share of the batch. The interval arithmetic can collide, so a
// fallback pass fills remaining gaps to guarantee full coverage.
func (c *Composer) weighted(emails []string, groups map[string][]string, order []string) []string {
	n := len(emails)
	out := make([]string, n)
	placed := make([]bool, n)

	for _, domain := range order {
		group := groups[domain]
		interval := float64(n) / float64(len(group))
		for i, email := range group {
			slot := int(float64(i) * interval)
			for slot < n && placed[slot] {
				slot++
			}
			if slot >= n {
				// Collision pushed us past the end; leave it to the
				// fallback scan below.
				continue
			}
			out[slot] = email
			placed[slot] = true
		}
	}

	// Coverage fallback: anything not yet placed fills the first free slot.
	missing := missingEmails(emails, out, placed)
	mi := 0
	for slot := 0; slot < n && mi < len(missing); slot++ {
		if !placed[slot] {
			out[slot] = missing[mi]
			placed[slot] = true
			mi++
		}
	}
	return out
}

// sizeBased always takes the next email from the largest remaining group,
// breaking ties by first appearance.
func (c *Composer) sizeBased(emails []string, groups map[string][]string, order []string) []string {
	remaining := make(map[string][]string, len(groups))
	for d, g := range groups {
		remaining[d] = append([]string(nil), g...)
	}

	out := make([]string, 0, len(emails))
	for len(out) < len(emails) {
		best := ""
		for _, domain := range order {
			if len(remaining[domain]) == 0 {
				continue
			}
			if best == "" || len(remaining[domain]) > len(remaining[best]) {
				best = domain
			}
		}
		if best == "" {
			break
		}
		out = append(out, remaining[best][0])
		remaining[best] = remaining[best][1:]
	}
	return out
}

// missingEmails returns emails present in the input multiset but not yet in
// the placed slots of out.
func missingEmails(emails, out []string, placed []bool) []string {
	counts := make(map[string]int, len(emails))
	for _, e := range emails {
		counts[e]++
	}
	for i, e := range out {
		if placed[i] {
			counts[e]--
		}
	}
	var missing []string
	for _, e := range emails {
		if counts[e] > 0 {
			missing = append(missing, e)
			counts[e]--
		}
	}
	return missing
}

// groupByDomain partitions emails by SMTP domain, preserving first-seen
// group order and in-group order.
func groupByDomain(emails []string) (map[string][]string, []string) {
	groups := make(map[string][]string)
	var order []string
	for _, email := range emails {
		domain := Domain(email)
		if _, ok := groups[domain]; !ok {
			order = append(order, domain)
		}
		groups[domain] = append(groups[domain], email)
	}
	return groups, order
}

// Domain extracts the lowercased domain part of an email address.
// Addresses without an @ map to the empty domain group.
func Domain(email string) string {
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return strings.ToLower(email[at+1:])
}

// DomainSizes returns the per-domain counts sorted descending, for logging.
func DomainSizes(emails []string) []int {
	groups, _ := groupByDomain(emails)
	sizes := make([]int, 0, len(groups))
	for _, g := range groups {
		sizes = append(sizes, len(g))
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	return sizes
}
