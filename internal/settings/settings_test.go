package settings

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wnt/rebin/internal/cache"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/database"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/store"
)

const testWallet = "9WzDXwBbmkg8ZTbNMqUxvQRAyrZzDsGYdLVL9zYtAWWM"

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := store.New(db)
	return NewService(s, cache.NewMemory(), 30*time.Second, zerolog.Nop()), s
}

func ptr[T any](v T) *T { return &v }

func TestGetCreatesDefaults(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)

	settings, err := svc.Get(ctx, Identity{WalletAddress: ptr(testWallet)})
	require.NoError(t, err)
	assert.NotZero(t, settings.ID)
	assert.False(t, settings.AutoRepositionEnabled)
	assert.Equal(t, models.UrgencyMedium, settings.UrgencyThreshold)
	assert.Equal(t, 0.02, settings.MaxGasCostSOL)
	assert.Equal(t, 5.0, settings.MinFeesUSD)
	assert.ElementsMatch(t, models.AllStrategies, settings.AllowedStrategies)
	assert.True(t, settings.NotifyOnAction)
	assert.True(t, settings.NotifyOnOutOfRange)
	assert.False(t, settings.NotifyDailySummary)
	assert.Equal(t, models.SourceWebsite, settings.UpdatedFrom)

	again, err := svc.Get(ctx, Identity{WalletAddress: ptr(testWallet)})
	require.NoError(t, err)
	assert.Equal(t, settings.ID, again.ID)
}

func TestGetValidation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.Get(context.Background(), Identity{})
	assert.ErrorIs(t, err, ErrNoIdentity)

	_, err = svc.Get(context.Background(), Identity{WalletAddress: ptr("bad")})
	assert.ErrorIs(t, err, chain.ErrInvalidAddress)
}

func TestUpdatePartial(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	id := Identity{WalletAddress: ptr(testWallet)}

	updated, err := svc.Update(ctx, id, Patch{
		AutoRepositionEnabled: ptr(true),
		UrgencyThreshold:      ptr(models.UrgencyHigh),
		AllowedStrategies:     []string{models.StrategyBalanced, models.StrategyBalanced},
	}, models.SourceTelegram)
	require.NoError(t, err)
	assert.True(t, updated.AutoRepositionEnabled)
	assert.Equal(t, models.UrgencyHigh, updated.UrgencyThreshold)
	assert.Equal(t, []string{models.StrategyBalanced}, updated.AllowedStrategies)
	assert.Equal(t, 0.02, updated.MaxGasCostSOL)
	assert.Equal(t, models.SourceTelegram, updated.UpdatedFrom)

	// false values survive a round trip
	updated, err = svc.Update(ctx, id, Patch{NotifyOnAction: ptr(false)}, models.SourceWebsite)
	require.NoError(t, err)
	reloaded, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.False(t, reloaded.NotifyOnAction)
	assert.True(t, reloaded.AutoRepositionEnabled)
	assert.Equal(t, updated.ID, reloaded.ID)
}

func TestUpdateRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	id := Identity{WalletAddress: ptr(testWallet)}

	_, err := svc.Update(ctx, id, Patch{UrgencyThreshold: ptr("urgent")}, models.SourceWebsite)
	assert.ErrorIs(t, err, ErrInvalidUrgency)

	_, err = svc.Update(ctx, id, Patch{AllowedStrategies: []string{"yolo"}}, models.SourceWebsite)
	assert.ErrorIs(t, err, ErrInvalidStrategy)

	_, err = svc.Update(ctx, id, Patch{AllowedStrategies: []string{}}, models.SourceWebsite)
	assert.ErrorIs(t, err, ErrNoStrategies)

	_, err = svc.Update(ctx, id, Patch{MaxGasCostSOL: ptr(-1.0)}, models.SourceWebsite)
	assert.ErrorIs(t, err, ErrInvalidThreshold)

	_, err = svc.Update(ctx, id, Patch{}, "fax")
	assert.ErrorIs(t, err, ErrInvalidSource)
}

func TestTelegramSettingsFoundByLinkedWallet(t *testing.T) {
	ctx := context.Background()
	svc, s := newTestService(t)
	tg := int64(4242)

	created, err := svc.Update(ctx, Identity{TelegramUserID: &tg}, Patch{MinFeesUSD: ptr(12.0)}, models.SourceTelegram)
	require.NoError(t, err)
	assert.Nil(t, created.WalletAddress)

	_, err = s.LinkUser(ctx, testWallet, &tg)
	require.NoError(t, err)

	found, err := svc.Get(ctx, Identity{WalletAddress: ptr(testWallet)})
	require.NoError(t, err)
	assert.Equal(t, created.ID, found.ID)
	assert.Equal(t, 12.0, found.MinFeesUSD)
}
