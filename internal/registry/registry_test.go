package registry

import (
	"io"
	"log/slog"
	"testing"

	"capdispatch/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func worker(id string, tier int, caps ...string) *domain.Worker {
	return &domain.Worker{
		ID:           id,
		Kind:         domain.WorkerKindLLMProvider,
		PriorityTier: tier,
		Capabilities: caps,
	}
}

func TestRegisterAndGet(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(worker("local", 0, "completion")))

	got, err := r.Get("local")
	require.NoError(t, err)
	assert.Equal(t, "local", got.ID)

	_, err = r.Get("missing")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New(testLogger())
	err := r.Register(&domain.Worker{Kind: domain.WorkerKindLLMProvider})
	require.Error(t, err)
}

func TestListByCapabilityOrdering(t *testing.T) {
	r := New(testLogger())
	// Registration order: b then a, both tier 1; then c at tier 0.
	require.NoError(t, r.Register(worker("b", 1, "completion")))
	require.NoError(t, r.Register(worker("a", 1, "completion")))
	require.NoError(t, r.Register(worker("c", 0, "completion")))
	require.NoError(t, r.Register(worker("d", 0, "embedding")))

	got := r.ListByCapability("completion")
	require.Len(t, got, 3)
	// Tier ascending, ties broken by registration order: c, b, a.
	assert.Equal(t, "c", got[0].ID)
	assert.Equal(t, "b", got[1].ID)
	assert.Equal(t, "a", got[2].ID)
}

func TestReplacePreservesRegistrationOrder(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(worker("b", 0, "completion")))
	require.NoError(t, r.Register(worker("a", 0, "completion")))

	// Replacing b must not move it behind a in tie-break order.
	require.NoError(t, r.Register(worker("b", 0, "completion", "classification")))

	got := r.ListByCapability("completion")
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ID)
	assert.Equal(t, "a", got[1].ID)

	replaced, err := r.Get("b")
	require.NoError(t, err)
	assert.True(t, replaced.HasCapability("classification"))
}

func TestDeregister(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(worker("a", 0)))
	require.NoError(t, r.Register(worker("b", 0)))

	r.Deregister("a")
	_, err := r.Get("a")
	assert.ErrorIs(t, err, domain.ErrWorkerNotFound)
	assert.Len(t, r.List(), 1)

	// Deregistering an unknown id is a no-op.
	r.Deregister("ghost")
	assert.Len(t, r.List(), 1)
}

func TestExclusiveCapabilityConflict(t *testing.T) {
	r := New(testLogger())

	first := worker("owner", 0, "incident-classification")
	first.Exclusive = true
	require.NoError(t, r.Register(first))

	second := worker("rival", 0, "incident-classification")
	err := r.Register(second)
	assert.ErrorIs(t, err, domain.ErrCapabilityConflict)

	// Re-registering the exclusive owner itself is fine.
	require.NoError(t, r.Register(first))

	// Disjoint capabilities do not conflict.
	other := worker("other", 0, "completion")
	require.NoError(t, r.Register(other))
}

func TestSeqUnknownSortsLast(t *testing.T) {
	r := New(testLogger())
	require.NoError(t, r.Register(worker("a", 0)))
	assert.Less(t, r.Seq("a"), r.Seq("unknown"))
}
