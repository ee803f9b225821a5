package cache

import "time"

// Level names a freshness class for cached data.
type Level int

const (
	LevelShort Level = iota
	LevelMedium
	LevelLong
)

// Policy configures TTL handling.
type Policy struct {
	// DefaultTTL applies when a caller passes no TTL. Zero disables caching
	// of such writes.
	DefaultTTL time.Duration

	// MaxTTL clamps every TTL. Zero means no maximum.
	MaxTTL time.Duration
}

// DefaultPolicy returns one hour by default and at most a day.
func DefaultPolicy() Policy {
	return Policy{
		DefaultTTL: time.Hour,
		MaxTTL:     24 * time.Hour,
	}
}

func (p Policy) ShouldCache() bool {
	return p.DefaultTTL > 0
}

// EffectiveTTL returns the TTL to use, applying defaults and clamping.
func (p Policy) EffectiveTTL(override time.Duration) time.Duration {
	ttl := override
	if ttl <= 0 {
		ttl = p.DefaultTTL
	}

	if p.MaxTTL > 0 && ttl > p.MaxTTL {
		ttl = p.MaxTTL
	}

	return ttl
}

// LevelTTL maps a freshness level to a TTL: five minutes, one hour or one
// day, clamped by MaxTTL.
func (p Policy) LevelTTL(level Level) time.Duration {
	switch level {
	case LevelShort:
		return p.EffectiveTTL(5 * time.Minute)
	case LevelLong:
		return p.EffectiveTTL(24 * time.Hour)
	default:
		return p.EffectiveTTL(time.Hour)
	}
}
