package ledger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"capdispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	saved   []*domain.AssignmentRecord
	failIDs map[string]bool
}

func (r *memRepo) Save(ctx context.Context, rec *domain.AssignmentRecord) error {
	if r.failIDs[rec.ID] {
		return errors.New("backend unavailable")
	}
	r.saved = append(r.saved, rec)
	return nil
}

func (r *memRepo) List(ctx context.Context, filter domain.AssignmentFilter) ([]*domain.AssignmentRecord, error) {
	var out []*domain.AssignmentRecord
	for _, rec := range r.saved {
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(id, workerID string, outcome domain.Outcome, at time.Time) *domain.AssignmentRecord {
	return &domain.AssignmentRecord{
		ID:        id,
		RequestID: "req-" + id,
		WorkerID:  workerID,
		Outcome:   outcome,
		Timestamp: at,
	}
}

func TestMemoryLedgerAppendAndQuery(t *testing.T) {
	l := New(nil, testLogger())
	base := time.Now()

	l.Append(record("2", "cloud", domain.OutcomeSuccess, base.Add(time.Second)))
	l.Append(record("1", "local", domain.OutcomeFailure, base))

	got, err := l.Query(context.Background(), domain.AssignmentFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	// Timestamp ascending regardless of append order.
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}

func TestAppendDropsInvalidRecord(t *testing.T) {
	l := New(nil, testLogger())
	l.Append(&domain.AssignmentRecord{ID: "missing-fields"})

	got, err := l.Query(context.Background(), domain.AssignmentFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestQueryFilters(t *testing.T) {
	l := New(nil, testLogger())
	base := time.Now()
	l.Append(record("1", "local", domain.OutcomeFailure, base))
	l.Append(record("2", "cloud", domain.OutcomeSuccess, base.Add(time.Second)))
	l.Append(record("3", "cloud", domain.OutcomeTimeout, base.Add(2*time.Second)))

	got, err := l.Query(context.Background(), domain.AssignmentFilter{WorkerID: "cloud"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = l.Query(context.Background(), domain.AssignmentFilter{Outcome: domain.OutcomeTimeout})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "3", got[0].ID)

	got, err = l.Query(context.Background(), domain.AssignmentFilter{From: base.Add(time.Second), To: base.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "2", got[0].ID)
}

func TestFlushWritesPendingToRepository(t *testing.T) {
	repo := &memRepo{}
	l := New(repo, testLogger())
	l.Append(record("1", "local", domain.OutcomeSuccess, time.Now()))
	l.Append(record("2", "cloud", domain.OutcomeSuccess, time.Now()))

	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, repo.saved, 2)

	// A second flush has nothing left to write.
	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, repo.saved, 2)
}

func TestFlushRetriesFailedRecords(t *testing.T) {
	repo := &memRepo{failIDs: map[string]bool{"2": true}}
	l := New(repo, testLogger())
	l.Append(record("1", "local", domain.OutcomeSuccess, time.Now()))
	l.Append(record("2", "cloud", domain.OutcomeFailure, time.Now()))

	err := l.Flush(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "1 of 2")
	assert.Len(t, repo.saved, 1)

	// Once the backend recovers, the held record flushes.
	repo.failIDs = nil
	require.NoError(t, l.Flush(context.Background()))
	assert.Len(t, repo.saved, 2)
}

func TestQueryMergesDurableAndPending(t *testing.T) {
	repo := &memRepo{}
	l := New(repo, testLogger())
	base := time.Now()

	l.Append(record("1", "local", domain.OutcomeSuccess, base))
	require.NoError(t, l.Flush(context.Background()))
	l.Append(record("2", "local", domain.OutcomeSuccess, base.Add(time.Second)))

	got, err := l.Query(context.Background(), domain.AssignmentFilter{})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "1", got[0].ID)
	assert.Equal(t, "2", got[1].ID)
}
