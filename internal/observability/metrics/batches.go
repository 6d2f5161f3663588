// Package metrics provides shared helpers for emitting queue and batch
// lifecycle metrics.
package metrics

import (
	"time"

	obserrors "github.com/mailsift/verifyq/internal/observability/errors"
	"github.com/mailsift/verifyq/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// BatchMetric captures details about a batch lifecycle event for metric emission.
type BatchMetric struct {
	Transition string
	Result     string
	Items      int
	Duration   time.Duration
	Err        error
}

// EmitBatchLifecycle emits standardised batch lifecycle metrics.
func EmitBatchLifecycle(sink statsd.Sink, in BatchMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}

	if in.Err != nil && in.Result == ResultError {
		if class := obserrors.Classify(in.Err); class != "" {
			tags["error_class"] = class
		}
	}

	sink.Count("batch.transition", 1, tags)

	if in.Items > 0 {
		sink.Count("batch.items", int64(in.Items), CloneTags(tags))
	}
	if in.Duration > 0 {
		sink.Timing("batch.duration", in.Duration, CloneTags(tags))
	}
}

// CloneTags creates a shallow copy of a tag map, filtering out empty keys.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
