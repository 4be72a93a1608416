package exchange

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/helmsbot/helmsbot/model"
)

const (
	// Candle reads tolerate staler data than quote reads.
	candleTTL = 2 * time.Second
	quoteTTL  = 500 * time.Millisecond
)

type cacheSource string

const (
	sourceREST cacheSource = "rest"
	sourceWS   cacheSource = "ws"
)

type cacheEntry struct {
	Source  cacheSource    `json:"source"`
	Candles []model.Candle `json:"candles"`
}

// CacheStats is the hit/miss snapshot reported by health checks.
type CacheStats struct {
	Hits   int64 `json:"hits"`
	Misses int64 `json:"misses"`
}

// PriceCache collapses repeated candle reads into one network call. Entries
// are keyed by (symbol, timeframe, limit) and expire after a short TTL.
// WebSocket ticks override REST data for the same key, never the reverse.
type PriceCache struct {
	db     *buntdb.DB
	hits   int64
	misses int64
}

// NewPriceCache creates an in-memory cache.
func NewPriceCache() (*PriceCache, error) {
	db, err := buntdb.Open(":memory:")
	if err != nil {
		return nil, err
	}
	return &PriceCache{db: db}, nil
}

func cacheKey(symbol, timeframe string, limit int) string {
	return fmt.Sprintf("price:%s:%s:%d", symbol, timeframe, limit)
}

// Candles returns the cached bars for the key, if still fresh.
func (c *PriceCache) Candles(symbol, timeframe string, limit int) ([]model.Candle, bool) {
	var entry cacheEntry
	err := c.db.View(func(tx *buntdb.Tx) error {
		value, err := tx.Get(cacheKey(symbol, timeframe, limit))
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(value), &entry)
	})
	if err != nil {
		atomic.AddInt64(&c.misses, 1)
		return nil, false
	}
	atomic.AddInt64(&c.hits, 1)
	return entry.Candles, true
}

// PutREST stores a REST response unless a live WebSocket entry already
// covers the key.
func (c *PriceCache) PutREST(symbol, timeframe string, limit int, candles []model.Candle) {
	c.put(sourceREST, symbol, timeframe, limit, candles)
}

// PutWS stores a WebSocket update, overriding any REST entry.
func (c *PriceCache) PutWS(symbol, timeframe string, limit int, candles []model.Candle) {
	c.put(sourceWS, symbol, timeframe, limit, candles)
}

func (c *PriceCache) put(source cacheSource, symbol, timeframe string, limit int, candles []model.Candle) {
	key := cacheKey(symbol, timeframe, limit)
	ttl := candleTTL
	if limit <= 1 {
		ttl = quoteTTL
	}

	_ = c.db.Update(func(tx *buntdb.Tx) error {
		if source == sourceREST {
			if value, err := tx.Get(key); err == nil {
				var existing cacheEntry
				if json.Unmarshal([]byte(value), &existing) == nil && existing.Source == sourceWS {
					return nil
				}
			}
		}
		content, err := json.Marshal(cacheEntry{Source: source, Candles: candles})
		if err != nil {
			return err
		}
		_, _, err = tx.Set(key, string(content), &buntdb.SetOptions{Expires: true, TTL: ttl})
		return err
	})
}

// Stats returns the cumulative hit/miss counters.
func (c *PriceCache) Stats() CacheStats {
	return CacheStats{
		Hits:   atomic.LoadInt64(&c.hits),
		Misses: atomic.LoadInt64(&c.misses),
	}
}

// Close releases the backing store.
func (c *PriceCache) Close() error {
	return c.db.Close()
}
