//go:build integration

package postgres_test

import (
	"context"
	"testing"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/bissquit/referral-notifier/internal/notifications"
	"github.com/bissquit/referral-notifier/internal/notifications/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	userAnn = "11111111-1111-1111-1111-111111111111"
	userBob = "22222222-2222-2222-2222-222222222222"
	userCid = "33333333-3333-3333-3333-333333333333"
	userDee = "44444444-4444-4444-4444-444444444444"
	orgAcme = "aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa"
)

func TestPreferenceStore(t *testing.T) {
	resetDB(t)
	ctx := context.Background()
	store := postgres.NewPreferenceStore(testDB)

	prefs, err := store.GetPreferences(ctx, userAnn)
	require.NoError(t, err)
	assert.Empty(t, prefs.Explicit)
	assert.True(t, prefs.Enabled(notifications.EventPaymentReceived, domain.ChannelEmail))
	assert.False(t, prefs.Enabled(notifications.EventNewReferralRequest, domain.ChannelEmail))

	require.NoError(t, store.SetPreference(ctx, userAnn, notifications.EventPaymentReceived, domain.ChannelEmail, false))
	require.NoError(t, store.SetPreference(ctx, userAnn, notifications.EventNewReferralRequest, domain.ChannelEmail, true))

	prefs, err = store.GetPreferences(ctx, userAnn)
	require.NoError(t, err)
	assert.Len(t, prefs.Explicit, 2)
	assert.False(t, prefs.Enabled(notifications.EventPaymentReceived, domain.ChannelEmail))
	assert.True(t, prefs.Enabled(notifications.EventNewReferralRequest, domain.ChannelEmail))

	// Upsert overwrites.
	require.NoError(t, store.SetPreference(ctx, userAnn, notifications.EventPaymentReceived, domain.ChannelEmail, true))
	prefs, err = store.GetPreferences(ctx, userAnn)
	require.NoError(t, err)
	assert.Len(t, prefs.Explicit, 2)
	assert.True(t, prefs.Enabled(notifications.EventPaymentReceived, domain.ChannelEmail))
}

func TestRecipientResolver_FindOrganizationReferrers(t *testing.T) {
	resetDB(t)
	ctx := context.Background()

	_, err := testDB.Exec(ctx, `
		INSERT INTO users (id, email, name, is_active) VALUES
			($1, 'ann@example.com', 'Ann', true),
			($2, 'bob@example.com', NULL, true),
			($3, 'cid@example.com', 'Cid', false),
			($4, 'dee@example.com', 'Dee', true)
	`, userAnn, userBob, userCid, userDee)
	require.NoError(t, err)

	_, err = testDB.Exec(ctx, `
		INSERT INTO work_experiences (user_id, organization_id, is_current, is_verified) VALUES
			($1, $5, true, true),
			($1, $5, true, true),
			($2, $5, true, true),
			($3, $5, true, true),
			($4, $5, false, true)
	`, userAnn, userBob, userCid, userDee, orgAcme)
	require.NoError(t, err)

	resolver := postgres.NewRecipientResolver(testDB)

	users, err := resolver.FindOrganizationReferrers(ctx, orgAcme, "")
	require.NoError(t, err)
	assert.Equal(t, []domain.RecipientUser{
		{UserID: userAnn, Email: "ann@example.com", Name: "Ann"},
		{UserID: userBob, Email: "bob@example.com", Name: ""},
	}, users)

	users, err = resolver.FindOrganizationReferrers(ctx, orgAcme, userAnn)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, userBob, users[0].UserID)
}
