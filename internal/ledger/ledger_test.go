package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "FlowSend-Chain/internal/errors"
	"FlowSend-Chain/internal/intent"
	"FlowSend-Chain/internal/pending"
)

func repositories(t *testing.T) map[string]Repository {
	t.Helper()
	sqlite, err := Open(context.Background(), Config{Driver: DriverSQLite, DSN: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Repository{
		"memory": NewMemoryRepository(),
		"sqlite": sqlite,
	}
}

func sample(id string, outcome pending.Outcome, at time.Time) Record {
	return Record{
		RequestID:   id,
		SessionID:   "s-1",
		Kind:        intent.KindWithdraw,
		Amount:      "50",
		Destination: "abc123",
		TxID:        "0xtx-" + id,
		Outcome:     outcome,
		CreatedAt:   at,
	}
}

func TestAppendGetList(t *testing.T) {
	base := time.UnixMilli(time.Now().UnixMilli())
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			failed := sample("r2", pending.OutcomeSettlementFailed, base.Add(time.Second))
			failed.ErrorCode = "SETTLEMENT_FAILED"
			failed.ErrorMessage = "Circle API error: 500"

			require.NoError(t, repo.Append(ctx, sample("r1", pending.OutcomeSucceeded, base)))
			require.NoError(t, repo.Append(ctx, failed))
			other := sample("r3", pending.OutcomeExecutionFailed, base.Add(2*time.Second))
			other.SessionID = "s-2"
			require.NoError(t, repo.Append(ctx, other))

			got, err := repo.Get(ctx, "r2")
			require.NoError(t, err)
			if diff := cmp.Diff(failed, *got); diff != "" {
				t.Fatalf("record mismatch (-want +got):\n%s", diff)
			}

			all, err := repo.List(ctx)
			require.NoError(t, err)
			require.Len(t, all, 3)
			assert.Equal(t, "r3", all[0].RequestID)

			partial, err := repo.List(ctx, WithOutcome(pending.OutcomeSettlementFailed))
			require.NoError(t, err)
			require.Len(t, partial, 1)
			assert.Equal(t, "r2", partial[0].RequestID)

			session, err := repo.List(ctx, WithSession("s-1"), WithLimit(1))
			require.NoError(t, err)
			require.Len(t, session, 1)
			assert.Equal(t, "r2", session[0].RequestID)
		})
	}
}

func TestAppendRejectsDuplicatesAndInvalid(t *testing.T) {
	for name, repo := range repositories(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			record := sample("dup", pending.OutcomeSucceeded, time.Now())
			require.NoError(t, repo.Append(ctx, record))
			assert.Equal(t, xerrors.CodeConflict, xerrors.CodeOf(repo.Append(ctx, record)))
			assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(repo.Append(ctx, Record{})))

			_, err := repo.Get(ctx, "missing")
			assert.Equal(t, xerrors.CodeNotFound, xerrors.CodeOf(err))
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres", DSN: "x"})
	assert.Error(t, err)
}
