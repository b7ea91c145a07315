package ruleset

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// MaxStaleness is how old the served catalog may get before reads warn.
const MaxStaleness = 60 * time.Second

// ErrNotLoaded is returned before the first successful refresh.
var ErrNotLoaded = errors.New("ruleset not loaded")

// Store serves the latest Catalog and refreshes it from a Provider.
type Store struct {
	provider Provider
	interval time.Duration
	current  atomic.Pointer[Catalog]
	warned   atomic.Int64

	Now func() time.Time
}

func NewStore(p Provider, interval time.Duration) *Store {
	if interval <= 0 || interval > MaxStaleness {
		interval = 30 * time.Second
	}
	return &Store{provider: p, interval: interval, Now: time.Now}
}

// NewStaticStore returns a Store already loaded from d.
func NewStaticStore(d *Data) *Store {
	s := NewStore(Static{D: d}, 0)
	c := NewCatalog(d)
	c.LoadedAt = s.Now()
	s.current.Store(c)
	return s
}

// Refresh loads and indexes a new catalog. On failure the previous one keeps serving.
func (s *Store) Refresh(ctx context.Context) error {
	d, err := s.provider.Load(ctx)
	if err != nil {
		return err
	}
	c := NewCatalog(d)
	c.LoadedAt = s.Now()
	for _, p := range c.Problems {
		log.Warn().Int64("strategy_id", p.StrategyID).Int64("assign_group_id", p.GroupID).
			Int64("assign_rule_id", p.RuleID).Err(p.Err).Msg("ruleset problem, rule disabled")
	}
	s.current.Store(c)
	log.Debug().Int("strategies", len(c.strategies)).Int("assign_groups", len(c.groups)).Msg("ruleset refreshed")
	return nil
}

// Catalog returns the current catalog.
func (s *Store) Catalog() (*Catalog, error) {
	c := s.current.Load()
	if c == nil {
		return nil, ErrNotLoaded
	}
	if age := s.Now().Sub(c.LoadedAt); age > MaxStaleness {
		// warn at most once per loaded catalog
		if s.warned.Swap(c.LoadedAt.UnixNano()) != c.LoadedAt.UnixNano() {
			log.Warn().Dur("age", age).Msg("ruleset is stale")
		}
	}
	return c, nil
}

// Run refreshes on every tick until ctx is done.
func (s *Store) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				log.Error().Err(err).Msg("ruleset refresh failed")
			}
		}
	}
}
