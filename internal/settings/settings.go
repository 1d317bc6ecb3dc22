// Package settings manages per-user reposition preferences. Settings are
// created with defaults the first time they are read.
package settings

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wnt/rebin/internal/cache"
	"github.com/wnt/rebin/internal/chain"
	"github.com/wnt/rebin/internal/metrics"
	"github.com/wnt/rebin/internal/models"
	"github.com/wnt/rebin/internal/store"
)

const (
	DefaultUrgency       = models.UrgencyMedium
	DefaultMaxGasCostSOL = 0.02
	DefaultMinFeesUSD    = 5.0
)

var (
	ErrNoIdentity       = errors.New("wallet address or telegram user id required")
	ErrInvalidUrgency   = errors.New("urgency threshold must be low, medium or high")
	ErrInvalidStrategy  = errors.New("unknown strategy")
	ErrInvalidSource    = errors.New("updatedFrom must be telegram or website")
	ErrInvalidThreshold = errors.New("thresholds must not be negative")
	ErrNoStrategies     = errors.New("allowed strategies must name at least one strategy")
)

// Store is the persistence used by the service
type Store interface {
	FindSettings(ctx context.Context, wallet *string, telegramUserID *int64) (*models.RepositionSettings, error)
	CreateSettings(ctx context.Context, settings *models.RepositionSettings) error
	SaveSettings(ctx context.Context, settings *models.RepositionSettings) error
	FindUserByWallet(ctx context.Context, wallet string) (*models.User, error)
}

// Identity selects a user by wallet, Telegram id, or both
type Identity struct {
	WalletAddress  *string `json:"walletAddress,omitempty"`
	TelegramUserID *int64  `json:"telegramUserId,omitempty"`
}

// Patch is a partial update; nil fields are left unchanged
type Patch struct {
	AutoRepositionEnabled *bool    `json:"autoRepositionEnabled,omitempty"`
	UrgencyThreshold      *string  `json:"urgencyThreshold,omitempty"`
	MaxGasCostSOL         *float64 `json:"maxGasCost,omitempty"`
	MinFeesUSD            *float64 `json:"minFeesUsd,omitempty"`
	AllowedStrategies     []string `json:"allowedStrategies,omitempty"`
	NotifyOnAction        *bool    `json:"notifyOnAction,omitempty"`
	NotifyOnOutOfRange    *bool    `json:"notifyOnOutOfRange,omitempty"`
	NotifyDailySummary    *bool    `json:"notifyDailySummary,omitempty"`
}

// Service reads and updates settings
type Service struct {
	store   Store
	cache   cache.Cache
	userTTL time.Duration
	logger  zerolog.Logger
}

// NewService creates a settings service. userCache may be nil.
func NewService(s Store, userCache cache.Cache, userTTL time.Duration, logger zerolog.Logger) *Service {
	return &Service{
		store:   s,
		cache:   userCache,
		userTTL: userTTL,
		logger:  logger.With().Str("component", "settings").Logger(),
	}
}

// Defaults returns the settings a new user starts with
func Defaults(id Identity, source string) *models.RepositionSettings {
	return &models.RepositionSettings{
		WalletAddress:         id.WalletAddress,
		TelegramUserID:        id.TelegramUserID,
		AutoRepositionEnabled: false,
		UrgencyThreshold:      DefaultUrgency,
		MaxGasCostSOL:         DefaultMaxGasCostSOL,
		MinFeesUSD:            DefaultMinFeesUSD,
		AllowedStrategies:     slices.Clone(models.AllStrategies),
		NotifyOnAction:        true,
		NotifyOnOutOfRange:    true,
		NotifyDailySummary:    false,
		UpdatedFrom:           source,
	}
}

func (s *Service) validate(id Identity) error {
	if id.WalletAddress == nil && id.TelegramUserID == nil {
		return ErrNoIdentity
	}
	if id.WalletAddress != nil {
		if _, err := chain.ParseAddress(*id.WalletAddress); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the user's settings, creating defaults when none exist
func (s *Service) Get(ctx context.Context, id Identity) (*models.RepositionSettings, error) {
	if err := s.validate(id); err != nil {
		return nil, err
	}
	id = s.resolve(ctx, id)

	settings, err := s.store.FindSettings(ctx, id.WalletAddress, id.TelegramUserID)
	if err == nil {
		return settings, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	source := models.SourceWebsite
	if id.WalletAddress == nil {
		source = models.SourceTelegram
	}
	settings = Defaults(id, source)
	if err := s.store.CreateSettings(ctx, settings); err != nil {
		// A concurrent first read may have created the row
		if existing, findErr := s.store.FindSettings(ctx, id.WalletAddress, id.TelegramUserID); findErr == nil {
			return existing, nil
		}
		return nil, err
	}

	s.logger.Info().
		Uint("settings_id", settings.ID).
		Str("source", source).
		Msg("Created default reposition settings")
	return settings, nil
}

// Update applies a partial update and records its provenance
func (s *Service) Update(ctx context.Context, id Identity, patch Patch, updatedFrom string) (*models.RepositionSettings, error) {
	if updatedFrom != models.SourceTelegram && updatedFrom != models.SourceWebsite {
		return nil, ErrInvalidSource
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	settings, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	// Link whichever identity the row was missing
	if settings.WalletAddress == nil && id.WalletAddress != nil {
		settings.WalletAddress = id.WalletAddress
	}
	if settings.TelegramUserID == nil && id.TelegramUserID != nil {
		settings.TelegramUserID = id.TelegramUserID
	}

	apply(settings, patch)
	settings.UpdatedFrom = updatedFrom

	if err := s.store.SaveSettings(ctx, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func validatePatch(p Patch) error {
	if p.UrgencyThreshold != nil {
		switch *p.UrgencyThreshold {
		case models.UrgencyLow, models.UrgencyMedium, models.UrgencyHigh:
		default:
			return fmt.Errorf("%w: %q", ErrInvalidUrgency, *p.UrgencyThreshold)
		}
	}
	if (p.MaxGasCostSOL != nil && *p.MaxGasCostSOL < 0) || (p.MinFeesUSD != nil && *p.MinFeesUSD < 0) {
		return ErrInvalidThreshold
	}
	if p.AllowedStrategies != nil {
		if len(p.AllowedStrategies) == 0 {
			return ErrNoStrategies
		}
		for _, strategy := range p.AllowedStrategies {
			if !slices.Contains(models.AllStrategies, strategy) {
				return fmt.Errorf("%w: %q", ErrInvalidStrategy, strategy)
			}
		}
	}
	return nil
}

func apply(s *models.RepositionSettings, p Patch) {
	if p.AutoRepositionEnabled != nil {
		s.AutoRepositionEnabled = *p.AutoRepositionEnabled
	}
	if p.UrgencyThreshold != nil {
		s.UrgencyThreshold = *p.UrgencyThreshold
	}
	if p.MaxGasCostSOL != nil {
		s.MaxGasCostSOL = *p.MaxGasCostSOL
	}
	if p.MinFeesUSD != nil {
		s.MinFeesUSD = *p.MinFeesUSD
	}
	if p.AllowedStrategies != nil {
		allowed := make([]string, 0, len(p.AllowedStrategies))
		for _, strategy := range p.AllowedStrategies {
			if !slices.Contains(allowed, strategy) {
				allowed = append(allowed, strategy)
			}
		}
		s.AllowedStrategies = allowed
	}
	if p.NotifyOnAction != nil {
		s.NotifyOnAction = *p.NotifyOnAction
	}
	if p.NotifyOnOutOfRange != nil {
		s.NotifyOnOutOfRange = *p.NotifyOnOutOfRange
	}
	if p.NotifyDailySummary != nil {
		s.NotifyDailySummary = *p.NotifyDailySummary
	}
}

// resolve fills the Telegram id of a wallet-only identity from the linked
// user, so settings created from the bot are found from the website too.
func (s *Service) resolve(ctx context.Context, id Identity) Identity {
	if id.WalletAddress == nil || id.TelegramUserID != nil {
		return id
	}
	if tg, ok := s.linkedTelegramID(ctx, *id.WalletAddress); ok {
		id.TelegramUserID = &tg
	}
	return id
}

func (s *Service) linkedTelegramID(ctx context.Context, wallet string) (int64, bool) {
	key := "user:" + wallet
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, key)
		switch {
		case err == nil:
			metrics.RecordCacheOperation("hit")
			if len(raw) == 0 {
				return 0, false
			}
			tg, convErr := strconv.ParseInt(string(raw), 10, 64)
			return tg, convErr == nil
		case errors.Is(err, cache.ErrMiss):
			metrics.RecordCacheOperation("miss")
		default:
			metrics.RecordCacheOperation("error")
			s.logger.Warn().Err(err).Msg("User cache read failed")
		}
	}

	user, err := s.store.FindUserByWallet(ctx, wallet)
	var value []byte
	tg, ok := int64(0), false
	switch {
	case err == nil && user.TelegramUserID != nil:
		tg, ok = *user.TelegramUserID, true
		value = []byte(strconv.FormatInt(tg, 10))
	case err == nil, errors.Is(err, store.ErrNotFound):
		value = []byte{}
	default:
		s.logger.Warn().Err(err).Str("wallet", wallet).Msg("User lookup failed")
		return 0, false
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, key, value, s.userTTL); err != nil {
			s.logger.Warn().Err(err).Msg("User cache write failed")
		}
	}
	return tg, ok
}
