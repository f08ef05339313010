// Package directory serves the equipment picker. Listings are cached for a
// bounded window and degrade to keys seen in fault history, then to manual
// entry, when the equipment table cannot be read.
package directory

import (
	"context"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"faultdesk/internal/domain"
	"faultdesk/internal/log"
)

// Source is the data the directory reads from.
type Source interface {
	ListEquipment(ctx context.Context) ([]domain.EquipmentEntry, error)
	DistinctHistoricalEquipmentKeys(ctx context.Context) ([]string, error)
}

type Mode string

const (
	// ModePrimary entries come from the equipment table.
	ModePrimary Mode = "primary"
	// ModeFallback entries are bare keys taken from fault history.
	ModeFallback Mode = "fallback"
	// ModeManual means no entries are available and the operator must type
	// the equipment key.
	ModeManual Mode = "manual"
)

const (
	DefaultCacheTTL    = 10 * time.Minute
	DefaultDegradedTTL = 30 * time.Second

	listingKey = "equipment"
)

var (
	lookupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faultdesk_directory_lookups_total",
		Help: "Equipment listings loaded from the store, by resulting mode.",
	}, []string{"mode"})
	sourceErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "faultdesk_directory_source_errors_total",
		Help: "Failed directory queries, by query.",
	}, []string{"query"})
	cacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "faultdesk_directory_cache_hits_total",
		Help: "Equipment listings served from cache.",
	})
)

// Listing is one snapshot of the picker contents.
type Listing struct {
	Entries []domain.EquipmentEntry `json:"entries"`
	Mode    Mode                    `json:"mode"`
}

// ManualEntry reports whether the form must ask for a typed equipment key.
func (l Listing) ManualEntry() bool {
	return len(l.Entries) == 0
}

// Labels returns the picker labels in listing order.
func (l Listing) Labels() []string {
	labels := make([]string, 0, len(l.Entries))
	for _, e := range l.Entries {
		labels = append(labels, e.Label())
	}
	return labels
}

// Resolve maps a picker selection, given either as a key or as a label, to
// its equipment key.
func (l Listing) Resolve(selection string) (string, bool) {
	selection = strings.TrimSpace(selection)
	if selection == "" {
		return "", false
	}
	for _, e := range l.Entries {
		if e.EquipmentKey == selection || e.Label() == selection {
			return e.EquipmentKey, true
		}
	}
	return "", false
}

type Options struct {
	CacheTTL    time.Duration
	DegradedTTL time.Duration
	Logger      log.Logger
	Now         func() time.Time
}

type snapshot struct {
	listing Listing
	expires time.Time
}

// Directory caches listings from a Source. Safe for concurrent use.
type Directory struct {
	source      Source
	cache       *expirable.LRU[string, snapshot]
	cacheTTL    time.Duration
	degradedTTL time.Duration
	logger      log.Logger
	now         func() time.Time
}

func New(source Source, opts Options) *Directory {
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = DefaultCacheTTL
	}
	if opts.DegradedTTL <= 0 || opts.DegradedTTL > opts.CacheTTL {
		opts.DegradedTTL = min(DefaultDegradedTTL, opts.CacheTTL)
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Directory{
		source:      source,
		cache:       expirable.NewLRU[string, snapshot](1, nil, opts.CacheTTL),
		cacheTTL:    opts.CacheTTL,
		degradedTTL: opts.DegradedTTL,
		logger:      opts.Logger,
		now:         opts.Now,
	}
}

// List returns the current listing. It never fails: a broken store shows up
// as a fallback or manual listing.
func (d *Directory) List(ctx context.Context) Listing {
	if snap, ok := d.cache.Get(listingKey); ok && d.now().Before(snap.expires) {
		cacheHitsTotal.Inc()
		return snap.listing
	}
	listing, degraded := d.load(ctx)
	ttl := d.cacheTTL
	if degraded {
		ttl = d.degradedTTL
	}
	d.cache.Add(listingKey, snapshot{listing: listing, expires: d.now().Add(ttl)})
	lookupsTotal.WithLabelValues(string(listing.Mode)).Inc()
	return listing
}

// Invalidate drops the cached listing so the next List hits the store.
func (d *Directory) Invalidate() {
	d.cache.Remove(listingKey)
}

func (d *Directory) load(ctx context.Context) (Listing, bool) {
	entries, err := d.source.ListEquipment(ctx)
	if err == nil {
		if len(entries) == 0 {
			return Listing{Entries: []domain.EquipmentEntry{}, Mode: ModeManual}, false
		}
		return Listing{Entries: entries, Mode: ModePrimary}, false
	}
	sourceErrorsTotal.WithLabelValues("equipment").Inc()
	d.logger.Warnw("equipment directory unavailable, falling back to fault history", "err", err)

	keys, err := d.source.DistinctHistoricalEquipmentKeys(ctx)
	if err != nil {
		sourceErrorsTotal.WithLabelValues("history").Inc()
		d.logger.Errorw("equipment fallback failed, manual entry required", "err", err)
		return Listing{Entries: []domain.EquipmentEntry{}, Mode: ModeManual}, true
	}
	fallback := make([]domain.EquipmentEntry, 0, len(keys))
	for _, k := range keys {
		if k = strings.TrimSpace(k); k != "" {
			fallback = append(fallback, domain.EquipmentEntry{EquipmentKey: k})
		}
	}
	if len(fallback) == 0 {
		return Listing{Entries: fallback, Mode: ModeManual}, true
	}
	return Listing{Entries: fallback, Mode: ModeFallback}, true
}
