package offline

import (
	"path/filepath"
	"testing"
	"time"

	"woodshed-sync-server/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testChange(entityID string, base int64) *domain.Change {
	return &domain.Change{
		EntityType:  domain.EntityTypeLogbook,
		EntityID:    entityID,
		Operation:   domain.OpUpdate,
		Payload:     []byte(`{"notes":"queued"}`),
		BaseVersion: base,
		ProducedAt:  time.Now(),
	}
}

func TestMemoryQueueOrderAndRemoval(t *testing.T) {
	testQueueOrderAndRemoval(t, NewMemoryQueue())
}

func TestBoltQueueOrderAndRemoval(t *testing.T) {
	q, err := OpenBoltQueue(filepath.Join(t.TempDir(), "outbox.db"))
	require.NoError(t, err)
	defer q.Close()

	testQueueOrderAndRemoval(t, q)
}

func testQueueOrderAndRemoval(t *testing.T, q Queue) {
	t.Helper()

	first, err := q.Enqueue(testChange("e1", 0))
	require.NoError(t, err)
	second, err := q.Enqueue(testChange("e2", 0))
	require.NoError(t, err)
	third, err := q.Enqueue(testChange("e1", 1))
	require.NoError(t, err)

	assert.NotEmpty(t, first.Change.ChangeID)
	assert.NotEqual(t, first.Change.ChangeID, second.Change.ChangeID,
		"each enqueued entry must carry its own idempotence key")

	pending, err := q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, first.Change.ChangeID, pending[0].Change.ChangeID)
	assert.Equal(t, second.Change.ChangeID, pending[1].Change.ChangeID)
	assert.Equal(t, third.Change.ChangeID, pending[2].Change.ChangeID)

	require.NoError(t, q.Remove(second.Seq))

	pending, err = q.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.Seq, pending[0].Seq)
	assert.Equal(t, third.Seq, pending[1].Seq)

	n, err := q.Len()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestBoltQueueSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outbox.db")

	q, err := OpenBoltQueue(path)
	require.NoError(t, err)

	entry, err := q.Enqueue(testChange("e1", 0))
	require.NoError(t, err)
	require.NoError(t, q.Close())

	reopened, err := OpenBoltQueue(path)
	require.NoError(t, err)
	defer reopened.Close()

	pending, err := reopened.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, entry.Change.ChangeID, pending[0].Change.ChangeID)
	assert.Equal(t, entry.Seq, pending[0].Seq)
}

func TestEnqueueDoesNotMutateCaller(t *testing.T) {
	q := NewMemoryQueue()

	original := testChange("e1", 0)
	original.ChangeID = "caller-id"

	entry, err := q.Enqueue(original)
	require.NoError(t, err)

	assert.Equal(t, "caller-id", original.ChangeID)
	assert.NotEqual(t, "caller-id", entry.Change.ChangeID)
}
