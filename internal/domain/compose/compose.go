// Package compose turns a pool of eligible queue items into a single
// well-ordered batch payload.
package compose

import "github.com/mailsift/verifyq/internal/domain/model"

// Interleave reorders the fetched items so that consecutive entries belong to
// different mail domains wherever possible. Items are bucketed by domain key
// in first-appearance order, each bucket preserving its internal order, then
// drawn round-robin across the non-empty buckets until all items are
// consumed. Sending many emails for the same domain back-to-back risks
// provider-side throttling; interleaving spreads load across mail servers
// within one batch.
//
// The output is always a permutation of the input: empty input yields an
// empty slice, and when fewer domains than items remain the later rounds draw
// repeatedly from the surviving buckets.
func Interleave(items []model.QueueItem) []model.QueueItem {
	if len(items) == 0 {
		return []model.QueueItem{}
	}

	var order []string
	buckets := make(map[string][]model.QueueItem)
	for _, item := range items {
		key := item.DomainKey
		if _, seen := buckets[key]; !seen {
			order = append(order, key)
		}
		buckets[key] = append(buckets[key], item)
	}

	out := make([]model.QueueItem, 0, len(items))
	for len(out) < len(items) {
		for _, key := range order {
			bucket := buckets[key]
			if len(bucket) == 0 {
				continue
			}
			out = append(out, bucket[0])
			buckets[key] = bucket[1:]
		}
	}
	return out
}

// MaxRunLength returns the longest run of consecutive items sharing a domain
// key. Exposed for composition quality checks and tests.
func MaxRunLength(items []model.QueueItem) int {
	maxRun, run := 0, 0
	var prev string
	for i, item := range items {
		if i > 0 && item.DomainKey == prev {
			run++
		} else {
			run = 1
		}
		if run > maxRun {
			maxRun = run
		}
		prev = item.DomainKey
	}
	return maxRun
}
