package batch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProcessor(mode AckMode, acker Acknowledger) *Processor {
	cfg := Config{MaxBatchSize: 10, MaxWaitTime: time.Second, AckMode: mode}
	return NewProcessor(cfg, acker, nil)
}

func fixedOutcome(outcome Outcome) Strategy {
	return StrategyFunc(func(context.Context, []Message) (Outcome, error) {
		return outcome, nil
	})
}

func TestProcessor_EmptyBatchIsNoop(t *testing.T) {
	acker := &recordingAcker{}
	called := false
	strategy := StrategyFunc(func(context.Context, []Message) (Outcome, error) {
		called = true
		return Success(), nil
	})

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), nil, strategy)

	require.NoError(t, err)
	assert.False(t, called, "strategy must not run for an empty batch")
	assert.Empty(t, acker.snapshot())
}

func TestProcessor_SuccessBatchedIssuesOneCumulativeAck(t *testing.T) {
	acker := &recordingAcker{}

	err := newTestProcessor(AckBatched, acker).Process(context.Background(), messages(1, 2, 3), fixedOutcome(Success()))

	require.NoError(t, err)
	assert.Equal(t, []ackCall{{Op: "ack", ID: 3, Multiple: true}}, acker.snapshot())
}

func TestProcessor_SuccessBatchedUsesHighestID(t *testing.T) {
	acker := &recordingAcker{}

	err := newTestProcessor(AckBatched, acker).Process(context.Background(), messages(4, 9, 6), fixedOutcome(Success()))

	require.NoError(t, err)
	assert.Equal(t, []ackCall{{Op: "ack", ID: 9, Multiple: true}}, acker.snapshot())
}

func TestProcessor_SuccessIndividualAcksEachInOrder(t *testing.T) {
	acker := &recordingAcker{}

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), messages(1, 2, 3), fixedOutcome(Success()))

	require.NoError(t, err)
	assert.Equal(t, []ackCall{
		{Op: "ack", ID: 1},
		{Op: "ack", ID: 2},
		{Op: "ack", ID: 3},
	}, acker.snapshot())
	assert.Empty(t, acker.ids("nack"))
}

func TestProcessor_PartialFailure(t *testing.T) {
	for _, mode := range []AckMode{AckIndividual, AckBatched} {
		t.Run(mode.String(), func(t *testing.T) {
			acker := &recordingAcker{}

			err := newTestProcessor(mode, acker).Process(context.Background(), messages(5, 6, 7, 8), fixedOutcome(PartialFailure(7)))

			require.NoError(t, err)
			assert.Equal(t, []ackCall{
				{Op: "ack", ID: 5},
				{Op: "ack", ID: 6},
				{Op: "nack", ID: 7, Requeue: true},
				{Op: "ack", ID: 8},
			}, acker.snapshot())
		})
	}
}

func TestProcessor_PartialFailureIgnoresUnknownIDs(t *testing.T) {
	acker := &recordingAcker{}

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), messages(1, 2), fixedOutcome(PartialFailure(2, 40)))

	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, acker.ids("ack"))
	assert.Equal(t, []uint64{2}, acker.ids("nack"))
}

func TestProcessor_TotalFailureRejectsAll(t *testing.T) {
	acker := &recordingAcker{}

	err := newTestProcessor(AckBatched, acker).Process(context.Background(), messages(1, 2, 3), fixedOutcome(TotalFailure()))

	require.NoError(t, err)
	assert.Empty(t, acker.ids("ack"))
	for _, call := range acker.snapshot() {
		assert.True(t, call.Requeue)
	}
	assert.Equal(t, []uint64{1, 2, 3}, acker.ids("nack"))
}

func TestProcessor_StrategyErrorRejectsAllAndPropagates(t *testing.T) {
	acker := &recordingAcker{}
	cause := errors.New("database unavailable")
	strategy := StrategyFunc(func(context.Context, []Message) (Outcome, error) {
		return Outcome{}, cause
	})

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), messages(1, 2, 3, 4), strategy)

	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
	var strategyErr *StrategyError
	require.ErrorAs(t, err, &strategyErr)
	assert.Equal(t, 4, strategyErr.BatchSize)

	assert.Empty(t, acker.ids("ack"))
	assert.Equal(t, []uint64{1, 2, 3, 4}, acker.ids("nack"))
	for _, call := range acker.snapshot() {
		assert.True(t, call.Requeue)
	}
}

func TestProcessor_AckFailureDoesNotStopDisposition(t *testing.T) {
	acker := &recordingAcker{failAck: map[uint64]bool{2: true}}
	before := testutil.ToFloat64(batchAckErrorsTotal.WithLabelValues("ack"))

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), messages(1, 2, 3), fixedOutcome(Success()))

	require.NoError(t, err, "ack call failures are not batch failures")
	assert.Equal(t, []uint64{1, 2, 3}, acker.ids("ack"))
	assert.Equal(t, before+1, testutil.ToFloat64(batchAckErrorsTotal.WithLabelValues("ack")))
}

func TestProcessor_NackFailureDoesNotStopStrategyErrorRejection(t *testing.T) {
	acker := &recordingAcker{failNack: map[uint64]bool{2: true}}
	cause := errors.New("boom")
	strategy := StrategyFunc(func(context.Context, []Message) (Outcome, error) {
		return Outcome{}, cause
	})
	before := testutil.ToFloat64(batchAckErrorsTotal.WithLabelValues("nack"))

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), messages(1, 2, 3, 4), strategy)

	var strategyErr *StrategyError
	require.ErrorAs(t, err, &strategyErr)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, []uint64{1, 2, 3, 4}, acker.ids("nack"))
	assert.Equal(t, before+1, testutil.ToFloat64(batchAckErrorsTotal.WithLabelValues("nack")))
}

func TestProcessor_NackFailureDoesNotStopTotalFailureRejection(t *testing.T) {
	acker := &recordingAcker{failNack: map[uint64]bool{1: true}}

	err := newTestProcessor(AckBatched, acker).Process(context.Background(), messages(1, 2, 3), fixedOutcome(TotalFailure()))

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2, 3}, acker.ids("nack"))
	assert.Empty(t, acker.ids("ack"))
}

func TestProcessor_DuplicateIDsSettledOnce(t *testing.T) {
	acker := &recordingAcker{}
	batch := append(messages(1, 2), messages(2)...)

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), batch, fixedOutcome(TotalFailure()))

	require.NoError(t, err)
	assert.Equal(t, []uint64{1, 2}, acker.ids("nack"))
}

func TestProcessor_UnknownOutcomeKindRejects(t *testing.T) {
	acker := &recordingAcker{}

	err := newTestProcessor(AckIndividual, acker).Process(context.Background(), messages(1), fixedOutcome(Outcome{Kind: OutcomeKind(42)}))

	var strategyErr *StrategyError
	require.ErrorAs(t, err, &strategyErr)
	assert.Equal(t, []uint64{1}, acker.ids("nack"))
}

func TestProcessor_EveryMessageSettledExactlyOnce(t *testing.T) {
	outcomes := map[string]Outcome{
		"success": Success(),
		"partial": PartialFailure(2, 5),
		"total":   TotalFailure(),
	}

	for name, outcome := range outcomes {
		t.Run(name, func(t *testing.T) {
			acker := &recordingAcker{}
			batch := messages(1, 2, 3, 4, 5, 6)

			err := newTestProcessor(AckIndividual, acker).Process(context.Background(), batch, fixedOutcome(outcome))
			require.NoError(t, err)

			settled := map[uint64]int{}
			for _, call := range acker.snapshot() {
				settled[call.ID]++
			}
			assert.Len(t, settled, len(batch))
			for id, n := range settled {
				assert.Equal(t, 1, n, "delivery %d settled %d times", id, n)
			}
		})
	}
}
