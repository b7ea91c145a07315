package access

import (
	"context"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/qiniu/alarmflow/internal/alerting/ruleset"
	"github.com/rs/zerolog/log"
)

// Enricher serves host attributes from memory. Lookups never touch the network;
// Refresh reloads the catalogue from a HostSource.
type Enricher struct {
	src     ruleset.HostSource
	hosts   *gocache.Cache
	ttl     time.Duration
	timeout time.Duration
	aliases map[string]string
}

func NewEnricher(src ruleset.HostSource, ttl time.Duration) *Enricher {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Enricher{
		src:     src,
		hosts:   gocache.New(ttl, 2*ttl),
		ttl:     ttl,
		timeout: 10 * time.Second,
		aliases: ruleset.DefaultHostAliases,
	}
}

func hostDims(dims map[string]string, aliases map[string]string) (ip, cloud string) {
	n := ruleset.NormalizeLabels(dims, aliases)
	return n["ip"], n["bk_target_cloud_id"]
}

// Lookup returns the attributes of the host named by dims. Records without a
// host dimension need no enrichment and report a hit.
func (e *Enricher) Lookup(dims map[string]string) (map[string]string, bool) {
	ip, cloud := hostDims(dims, e.aliases)
	if ip == "" {
		return nil, true
	}
	v, ok := e.hosts.Get(ruleset.HostKey(ip, cloud))
	if !ok {
		return nil, false
	}
	return v.(map[string]string), true
}

// Refresh loads every host into the cache. Entries not seen again expire after the TTL.
func (e *Enricher) Refresh(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()
	hosts, err := e.src.Hosts(ctx)
	if err != nil {
		return err
	}
	for _, h := range hosts {
		attrs := ruleset.NormalizeLabels(h.Attrs, e.aliases)
		attrs["bk_host_id"] = strconv.FormatInt(h.HostID, 10)
		attrs["bk_biz_id"] = strconv.FormatInt(h.BizID, 10)
		e.hosts.Set(ruleset.HostKey(h.IP, strconv.FormatInt(h.CloudID, 10)), attrs, e.ttl)
	}
	log.Debug().Int("hosts", len(hosts)).Msg("enrichment cache refreshed")
	return nil
}

// Run refreshes every interval until ctx is done.
func (e *Enricher) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	if err := e.Refresh(ctx); err != nil {
		log.Warn().Err(err).Msg("initial enrichment refresh failed")
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := e.Refresh(ctx); err != nil {
				log.Warn().Err(err).Msg("enrichment refresh failed")
			}
		}
	}
}
