//go:build integration

package inapp_test

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"testing"
	"time"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications/inapp"
	"github.com/bissquit/referral-notifier/internal/testutil"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userAnn = "11111111-1111-1111-1111-111111111111"
	userBob = "22222222-2222-2222-2222-222222222222"
)

var (
	testDB    *pgxpool.Pool
	testRedis *redis.Client
)

func TestMain(m *testing.M) {
	os.Exit(run(m))
}

func run(m *testing.M) int {
	ctx := context.Background()

	pg, err := testutil.NewPostgresContainer(ctx)
	if err != nil {
		log.Printf("start postgres: %v", err)
		return 1
	}
	defer func() { _ = pg.Terminate(ctx) }()

	rc, err := testutil.NewRedisContainer(ctx)
	if err != nil {
		log.Printf("start redis: %v", err)
		return 1
	}
	defer func() { _ = rc.Terminate(ctx) }()

	testDB, err = pg.Pool(ctx)
	if err != nil {
		log.Printf("open pool: %v", err)
		return 1
	}
	defer testDB.Close()

	testRedis = redis.NewClient(&redis.Options{Addr: rc.Addr})
	defer func() { _ = testRedis.Close() }()

	return m.Run()
}

func notification(userID, title string) *domain.InAppNotification {
	ref := "req-1"
	return &domain.InAppNotification{
		UserID:      userID,
		Title:       title,
		Body:        "Bob confirmed your referral at Acme",
		Icon:        "check-circle",
		ActionURL:   "https://app.example.com/requests/req-1",
		EventType:   "referral_verified",
		ReferenceID: &ref,
	}
}

func TestStore_InsertAndList(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.Truncate(ctx, testDB, "notifications"))
	store := inapp.NewStore(testDB, nil)

	first := notification(userAnn, "first")
	require.NoError(t, store.Insert(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.False(t, first.IsRead)
	assert.False(t, first.CreatedAt.IsZero())

	time.Sleep(5 * time.Millisecond)
	second := notification(userAnn, "second")
	second.ActionURL = ""
	require.NoError(t, store.Insert(ctx, second))
	require.NoError(t, store.Insert(ctx, notification(userBob, "other user")))

	items, err := store.ListForUser(ctx, userAnn, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "second", items[0].Title)
	assert.Equal(t, "", items[0].ActionURL)
	assert.Equal(t, "first", items[1].Title)
	assert.Equal(t, "https://app.example.com/requests/req-1", items[1].ActionURL)
	require.NotNil(t, items[1].ReferenceID)
	assert.Equal(t, "req-1", *items[1].ReferenceID)

	limited, err := store.ListForUser(ctx, userAnn, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "second", limited[0].Title)
}

func TestStore_PublishesToRedis(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.Truncate(ctx, testDB, "notifications"))

	sub := testRedis.Subscribe(ctx, inapp.ChannelName(userAnn))
	defer func() { _ = sub.Close() }()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	store := inapp.NewStore(testDB, inapp.NewRedisPublisher(testRedis))
	n := notification(userAnn, "live")
	require.NoError(t, store.Insert(ctx, n))

	select {
	case msg := <-sub.Channel():
		var got domain.InAppNotification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, n.ID, got.ID)
		assert.Equal(t, "live", got.Title)
		assert.Equal(t, userAnn, got.UserID)
	case <-time.After(5 * time.Second):
		t.Fatal("no message published")
	}
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, *domain.InAppNotification) error {
	return errors.New("redis down")
}

func TestStore_PublishFailureKeepsRow(t *testing.T) {
	ctx := context.Background()
	require.NoError(t, testutil.Truncate(ctx, testDB, "notifications"))

	store := inapp.NewStore(testDB, failingPublisher{})
	require.NoError(t, store.Insert(ctx, notification(userAnn, "kept")))

	items, err := store.ListForUser(ctx, userAnn, 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "kept", items[0].Title)
}
