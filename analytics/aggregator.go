// Package analytics counts how often tag combinations are requested and
// reports taxonomy statistics.
package analytics

import (
	"context"
	"fmt"
	"time"

	"category-engine/combination"
	"category-engine/metrics"
	"category-engine/orm"

	"github.com/rs/zerolog/log"
)

const (
	DefaultMinOccurrences = 5
	DefaultRetention      = 30 * 24 * time.Hour
)

type CombinationStat struct {
	Combination string `json:"combination"`
	TagIDs      []uint `json:"tagIds"`
	Count       int64  `json:"count"`
}

type StatsStore interface {
	Stats(ctx context.Context) (orm.Stats, error)
}

type Options struct {
	// MinOccurrences is exclusive: a combination is reported once it was
	// seen more often than this. Zero means DefaultMinOccurrences.
	MinOccurrences int64
	Retention      time.Duration
	Metrics        *metrics.Metrics
}

type Aggregator struct {
	counters Counters
	stats    StatsStore
	opts     Options
	metrics  *metrics.Metrics
}

func NewAggregator(counters Counters, stats StatsStore, opts Options) *Aggregator {
	if opts.MinOccurrences <= 0 {
		opts.MinOccurrences = DefaultMinOccurrences
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}

	return &Aggregator{
		counters: counters,
		stats:    stats,
		opts:     opts,
		metrics:  metrics.OrDiscard(opts.Metrics),
	}
}

// TrackCombination records one request for tagIDs. Failures are logged and
// counted, never returned.
func (a *Aggregator) TrackCombination(ctx context.Context, tagIDs []uint, kind orm.Kind) {
	defer func() {
		if r := recover(); r != nil {
			a.metrics.AnalyticsErrors.Inc()
			log.Error().Interface("panic", r).Str("kind", string(kind)).Msg("Tracking combination panicked")
		}
	}()

	key := combination.Canonical(tagIDs).Key()
	if key == "" || !kind.Valid() {
		return
	}

	if err := a.counters.Incr(ctx, kind, key, a.opts.Retention); err != nil {
		a.metrics.AnalyticsErrors.Inc()
		log.Warn().Err(err).Str("kind", string(kind)).Str("combination", key).Msg("Failed to track combination")
	}
}

// TopCombinations returns the most requested combinations of kind above the
// minimum occurrence threshold.
func (a *Aggregator) TopCombinations(ctx context.Context, kind orm.Kind, limit int) ([]CombinationStat, error) {
	if !kind.Valid() {
		return nil, &orm.ValidationError{Reason: fmt.Sprintf("unknown item kind %q", kind)}
	}

	counters, err := a.counters.Above(ctx, kind, a.opts.MinOccurrences, limit)
	if err != nil {
		return nil, err
	}

	out := make([]CombinationStat, 0, len(counters))
	for _, c := range counters {
		ids, err := combination.ParseKey(c.Member)
		if err != nil {
			log.Warn().Err(err).Str("member", c.Member).Msg("Skipping malformed combination counter")

			continue
		}
		out = append(out, CombinationStat{Combination: c.Member, TagIDs: ids, Count: c.Count})
	}

	return out, nil
}

type Report struct {
	orm.Stats
	TopCombinations map[orm.Kind][]CombinationStat `json:"topCombinations"`
}

// Report collects taxonomy statistics and the top ten combinations per kind.
func (a *Aggregator) Report(ctx context.Context) (*Report, error) {
	stats, err := a.stats.Stats(ctx)
	if err != nil {
		return nil, err
	}

	report := &Report{Stats: stats, TopCombinations: make(map[orm.Kind][]CombinationStat, len(orm.Kinds))}
	for _, kind := range orm.Kinds {
		top, err := a.TopCombinations(ctx, kind, 10)
		if err != nil {
			return nil, err
		}
		report.TopCombinations[kind] = top
	}

	return report, nil
}
