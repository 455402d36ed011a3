package batch

import (
	"context"
	"fmt"
)

// OutcomeKind tags the variant held by an Outcome
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomePartialFailure
	OutcomeTotalFailure
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomePartialFailure:
		return "partial_failure"
	case OutcomeTotalFailure:
		return "total_failure"
	default:
		return fmt.Sprintf("OutcomeKind(%d)", int(k))
	}
}

// Outcome is what a Strategy reports for one batch
type Outcome struct {
	Kind OutcomeKind

	// FailedIDs is only meaningful for OutcomePartialFailure
	FailedIDs map[uint64]struct{}
}

// Success reports that every message in the batch was processed
func Success() Outcome {
	return Outcome{Kind: OutcomeSuccess}
}

// TotalFailure reports that every message in the batch failed
func TotalFailure() Outcome {
	return Outcome{Kind: OutcomeTotalFailure}
}

// PartialFailure reports that the messages with the given delivery ids failed
// and the rest of the batch succeeded
func PartialFailure(failedIDs ...uint64) Outcome {
	set := make(map[uint64]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		set[id] = struct{}{}
	}
	return Outcome{Kind: OutcomePartialFailure, FailedIDs: set}
}

// Failed reports whether the message with deliveryID must be rejected
func (o Outcome) Failed(deliveryID uint64) bool {
	switch o.Kind {
	case OutcomeTotalFailure:
		return true
	case OutcomePartialFailure:
		_, ok := o.FailedIDs[deliveryID]
		return ok
	default:
		return false
	}
}

// OutcomeFromFailures picks the Outcome variant that matches a list of failed
// delivery ids. Ids that are not part of batch are ignored.
func OutcomeFromFailures(batch []Message, failedIDs []uint64) Outcome {
	if len(failedIDs) == 0 {
		return Success()
	}

	inBatch := make(map[uint64]struct{}, len(batch))
	for _, msg := range batch {
		inBatch[msg.DeliveryID] = struct{}{}
	}

	failed := make(map[uint64]struct{}, len(failedIDs))
	for _, id := range failedIDs {
		if _, ok := inBatch[id]; ok {
			failed[id] = struct{}{}
		}
	}

	switch {
	case len(failed) == 0:
		return Success()
	case len(failed) == len(inBatch):
		return TotalFailure()
	default:
		return Outcome{Kind: OutcomePartialFailure, FailedIDs: failed}
	}
}

// Strategy is the caller-supplied processing step invoked once per batch.
// Implementations that are shared between consumers must be safe for
// concurrent use.
type Strategy interface {
	Process(ctx context.Context, batch []Message) (Outcome, error)
}

// StrategyFunc adapts a function to the Strategy interface
type StrategyFunc func(ctx context.Context, batch []Message) (Outcome, error)

// Process implements Strategy
func (f StrategyFunc) Process(ctx context.Context, batch []Message) (Outcome, error) {
	return f(ctx, batch)
}

// StrategyError wraps a failure returned by a Strategy. The batch it was
// processing has already been rejected with requeue when this is returned.
type StrategyError struct {
	BatchSize int
	Err       error
}

func (e *StrategyError) Error() string {
	return fmt.Sprintf("batch strategy failed for %d messages: %v", e.BatchSize, e.Err)
}

func (e *StrategyError) Unwrap() error {
	return e.Err
}
