package universe

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/aristath/backtester/internal/domain"
)

// PriceCache memoizes decoded price history spans on disk. Cache files
// are rebuildable from the prices table, so corruption or staleness is
// handled by deleting and re-fetching.
type PriceCache struct {
	dir string
	log zerolog.Logger
}

// NewPriceCache creates a cache rooted at dir.
func NewPriceCache(dir string, log zerolog.Logger) *PriceCache {
	return &PriceCache{dir: dir, log: log.With().Str("component", "price_cache").Logger()}
}

type cachedSpan struct {
	Start   time.Time           `msgpack:"start"`
	End     time.Time           `msgpack:"end"`
	History domain.PriceHistory `msgpack:"history"`
}

// Load returns the cached history covering [start, end], or false when
// no usable cache file exists.
func (c *PriceCache) Load(start, end time.Time) (domain.PriceHistory, bool) {
	data, err := os.ReadFile(c.path(start, end))
	if err != nil {
		return nil, false
	}

	var span cachedSpan
	if err := msgpack.Unmarshal(data, &span); err != nil {
		c.log.Warn().Err(err).Msg("Discarding unreadable price cache file")
		_ = os.Remove(c.path(start, end))
		return nil, false
	}
	if !span.Start.Equal(start) || !span.End.Equal(end) {
		return nil, false
	}
	return span.History, true
}

// Store writes the history for a span. Failures are logged, not fatal;
// the cache is an optimization.
func (c *PriceCache) Store(start, end time.Time, history domain.PriceHistory) {
	data, err := msgpack.Marshal(cachedSpan{Start: start, End: end, History: history})
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to encode price cache")
		return
	}
	if err := os.MkdirAll(c.dir, 0755); err != nil {
		c.log.Warn().Err(err).Msg("Failed to create price cache directory")
		return
	}
	if err := os.WriteFile(c.path(start, end), data, 0644); err != nil {
		c.log.Warn().Err(err).Msg("Failed to write price cache file")
	}
}

func (c *PriceCache) path(start, end time.Time) string {
	name := fmt.Sprintf("prices_%s_%s.msgpack", start.Format("20060102"), end.Format("20060102"))
	return filepath.Join(c.dir, name)
}
