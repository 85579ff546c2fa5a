package notifications

import (
	"context"
	"testing"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJanitor_Defaults(t *testing.T) {
	j := NewJanitor(JanitorConfig{}, newMemQueue())
	assert.Equal(t, DefaultJanitorConfig(), j.config)
}

func TestJanitor_RecoverStuck(t *testing.T) {
	repo := newMemQueue()
	queue := NewQueue(repo, 0)
	id, err := queue.Enqueue(context.Background(), EnqueueRequest{Channel: domain.ChannelEmail, Payload: verifiedPayload()})
	require.NoError(t, err)

	claimedAt := time.Now()
	claimed, err := repo.ClaimDue(context.Background(), 10, claimedAt)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	j := NewJanitor(JanitorConfig{StuckAfter: 15 * time.Minute}, repo)

	j.now = fixedClock(claimedAt.Add(time.Minute))
	n, err := j.RecoverStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
	assert.Equal(t, QueueStatusProcessing, repo.get(id).Status)

	j.now = fixedClock(claimedAt.Add(time.Hour))
	n, err = j.RecoverStuck(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	item := repo.get(id)
	assert.Equal(t, QueueStatusPending, item.Status)
	assert.Equal(t, 1, item.RetryCount)
	assert.Nil(t, item.ProcessedAt)
	assert.Equal(t, ErrClaimExpired.Error(), item.ErrorMessage)
}

func TestJanitor_RecoverStuck_FailsRowThatKeepsStalling(t *testing.T) {
	repo := newMemQueue()
	queue := NewQueue(repo, 3)
	id, err := queue.Enqueue(context.Background(), EnqueueRequest{Channel: domain.ChannelEmail, Payload: verifiedPayload()})
	require.NoError(t, err)

	j := NewJanitor(JanitorConfig{StuckAfter: 15 * time.Minute}, repo)
	now := time.Now()

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := repo.ClaimDue(context.Background(), 10, now)
		require.NoError(t, err)
		require.Len(t, claimed, 1, "attempt %d", attempt)

		now = now.Add(time.Hour)
		j.now = fixedClock(now)
		n, err := j.RecoverStuck(context.Background())
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)
	}

	item := repo.get(id)
	assert.Equal(t, QueueStatusFailed, item.Status)
	assert.Equal(t, 3, item.RetryCount)
	assert.NotNil(t, item.CompletedAt)

	claimed, err := repo.ClaimDue(context.Background(), 10, now)
	require.NoError(t, err)
	assert.Empty(t, claimed)
}

func TestJanitor_Purge(t *testing.T) {
	repo := newMemQueue()
	queue := NewQueue(repo, 0)

	oldID, err := queue.Enqueue(context.Background(), EnqueueRequest{Channel: domain.ChannelEmail, Payload: verifiedPayload()})
	require.NoError(t, err)
	pendingID, err := queue.Enqueue(context.Background(), EnqueueRequest{Channel: domain.ChannelEmail, Payload: verifiedPayload()})
	require.NoError(t, err)

	_, err = repo.CancelItem(context.Background(), oldID)
	require.NoError(t, err)
	completed := time.Now().Add(-48 * time.Hour)
	repo.items[oldID].CompletedAt = &completed

	j := NewJanitor(JanitorConfig{Retention: 24 * time.Hour}, repo)
	n, err := j.Purge(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = repo.GetItem(context.Background(), oldID)
	assert.ErrorIs(t, err, ErrQueueItemNotFound)
	_, err = repo.GetItem(context.Background(), pendingID)
	assert.NoError(t, err)
}
