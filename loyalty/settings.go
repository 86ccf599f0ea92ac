// Package loyalty holds per-channel loyalty settings and the earner that turns
// chat activity into ledger credits.
package loyalty

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"

	lru "github.com/hashicorp/golang-lru"
)

const (
	settingsCacheSize = 256
	// MaxRate bounds the per-minute and per-message rates.
	MaxRate = 10_000
)

// ErrInvalidRate is returned for a rate outside [0, MaxRate] or not a number.
var ErrInvalidRate = errors.New("loyalty rates must be between 0 and 10000")

// ValidRate reports whether v can be stored as a rate.
func ValidRate(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0 && v <= MaxRate
}

// Settings configures loyalty for one channel.
type Settings struct {
	Channel       string
	Enabled       bool
	PointsName    string
	PerMinute     float64
	PerMessage    float64
	SubMultiplier float64
	VIPMultiplier float64
}

// DefaultSettings is what a channel without a settings row gets.
func DefaultSettings(channel string) Settings {
	return Settings{
		Channel:       normChannel(channel),
		PointsName:    "points",
		PerMinute:     1.0,
		PerMessage:    0.5,
		SubMultiplier: 2.0,
		VIPMultiplier: 1.5,
	}
}

// Multiplier returns the message multiplier for a chatter. Subscriber wins over VIP.
func (s Settings) Multiplier(subscriber, vip bool) float64 {
	switch {
	case subscriber:
		return s.SubMultiplier
	case vip:
		return s.VIPMultiplier
	}
	return 1.0
}

// SettingsUpdate changes the non-nil fields.
type SettingsUpdate struct {
	Enabled    *bool
	PointsName *string
	PerMinute  *float64
	PerMessage *float64
}

// SettingsStore reads loyalty_settings through an LRU cache. Updates go to
// Postgres first and then evict the channel from the cache.
type SettingsStore struct {
	db    *sql.DB
	cache *lru.Cache
}

func NewSettingsStore(db *sql.DB) *SettingsStore {
	cache, _ := lru.New(settingsCacheSize)
	return &SettingsStore{db: db, cache: cache}
}

func normChannel(ch string) string { return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ch), "#")) }

// Get returns the channel settings, defaults when no row exists.
func (s *SettingsStore) Get(ctx context.Context, channel string) (Settings, error) {
	ch := normChannel(channel)
	if v, ok := s.cache.Get(ch); ok {
		return v.(Settings), nil
	}
	st := DefaultSettings(ch)
	err := s.db.QueryRowContext(ctx, `
SELECT enabled, points_name, points_per_minute, points_per_message, bonus_sub_multiplier, bonus_vip_multiplier
FROM loyalty_settings WHERE channel = $1`, ch).
		Scan(&st.Enabled, &st.PointsName, &st.PerMinute, &st.PerMessage, &st.SubMultiplier, &st.VIPMultiplier)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return Settings{}, fmt.Errorf("loyalty settings: %w", err)
	}
	s.cache.Add(ch, st)
	return st, nil
}

// Update applies u in one upsert and returns the stored settings.
func (s *SettingsStore) Update(ctx context.Context, channel string, u SettingsUpdate) (Settings, error) {
	if (u.PerMinute != nil && !ValidRate(*u.PerMinute)) || (u.PerMessage != nil && !ValidRate(*u.PerMessage)) {
		return Settings{}, ErrInvalidRate
	}
	var enabled sql.NullBool
	var name sql.NullString
	var perMin, perMsg sql.NullFloat64
	if u.Enabled != nil {
		enabled = sql.NullBool{Bool: *u.Enabled, Valid: true}
	}
	if u.PointsName != nil {
		name = sql.NullString{String: strings.TrimSpace(*u.PointsName), Valid: true}
	}
	if u.PerMinute != nil {
		perMin = sql.NullFloat64{Float64: *u.PerMinute, Valid: true}
	}
	if u.PerMessage != nil {
		perMsg = sql.NullFloat64{Float64: *u.PerMessage, Valid: true}
	}

	ch := normChannel(channel)
	st := Settings{Channel: ch}
	err := s.db.QueryRowContext(ctx, `
INSERT INTO loyalty_settings (channel, enabled, points_name, points_per_minute, points_per_message, updated_at)
VALUES ($1, COALESCE($2::boolean, FALSE), COALESCE($3::text, 'points'),
	COALESCE($4::double precision, 1.0), COALESCE($5::double precision, 0.5), NOW())
ON CONFLICT (channel) DO UPDATE SET
	enabled = COALESCE($2::boolean, loyalty_settings.enabled),
	points_name = COALESCE($3::text, loyalty_settings.points_name),
	points_per_minute = COALESCE($4::double precision, loyalty_settings.points_per_minute),
	points_per_message = COALESCE($5::double precision, loyalty_settings.points_per_message),
	updated_at = NOW()
RETURNING enabled, points_name, points_per_minute, points_per_message, bonus_sub_multiplier, bonus_vip_multiplier`,
		ch, enabled, name, perMin, perMsg).
		Scan(&st.Enabled, &st.PointsName, &st.PerMinute, &st.PerMessage, &st.SubMultiplier, &st.VIPMultiplier)
	s.cache.Remove(ch)
	if err != nil {
		return Settings{}, fmt.Errorf("update loyalty settings: %w", err)
	}
	return st, nil
}

// SetEnabled toggles loyalty for the channel.
func (s *SettingsStore) SetEnabled(ctx context.Context, channel string, on bool) (Settings, error) {
	return s.Update(ctx, channel, SettingsUpdate{Enabled: &on})
}

func (s *SettingsStore) SetPointsName(ctx context.Context, channel, name string) (Settings, error) {
	return s.Update(ctx, channel, SettingsUpdate{PointsName: &name})
}

func (s *SettingsStore) SetRates(ctx context.Context, channel string, perMinute, perMessage float64) (Settings, error) {
	return s.Update(ctx, channel, SettingsUpdate{PerMinute: &perMinute, PerMessage: &perMessage})
}
