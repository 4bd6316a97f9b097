package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/ms5/telemetry-engine/pkg/models"
)

// contextTTL bounds how long a cached EquipmentContext may go stale
// before a cache-only reader falls back to the store of record; the
// Store invalidates synchronously on every write, so this is a safety
// net against a missed invalidation rather than the primary coherence
// mechanism.
const contextTTL = 30 * time.Second

// EquipmentContextCache is a Redis-backed read-through cache
// implementing equipctx.Cache, grounded on the chainlens sub-project's
// cache.Cache (enable/disable toggle, JSON marshal, keyed Get/Set/Delete).
type EquipmentContextCache struct {
	client    *redis.Client
	keyPrefix string
	enabled   bool
	log       zerolog.Logger
}

// NewEquipmentContextCache dials redisURL and verifies connectivity. If
// redisURL is empty the cache is constructed disabled: every Get misses
// and every Set/Invalidate is a no-op, so the Equipment Context Store
// remains correct with caching simply turned off.
func NewEquipmentContextCache(ctx context.Context, redisURL, keyPrefix string, log zerolog.Logger) (*EquipmentContextCache, error) {
	log = log.With().Str("subsystem", "storage.equipctx_cache").Logger()
	if redisURL == "" {
		return &EquipmentContextCache{enabled: false, log: log}, nil
	}

	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, err
	}

	if keyPrefix == "" {
		keyPrefix = "ms5engine"
	}
	return &EquipmentContextCache{client: client, keyPrefix: keyPrefix, enabled: true, log: log}, nil
}

// Close releases the underlying Redis connection.
func (c *EquipmentContextCache) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

func (c *EquipmentContextCache) key(equipmentCode string) string {
	return c.keyPrefix + ":equipctx:" + equipmentCode
}

// Get returns the cached context for equipmentCode, if present.
func (c *EquipmentContextCache) Get(ctx context.Context, equipmentCode string) (*models.EquipmentContext, bool) {
	if !c.enabled {
		return nil, false
	}
	data, err := c.client.Get(ctx, c.key(equipmentCode)).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.log.Warn().Err(err).Str("equipment", equipmentCode).Msg("cache get")
		}
		return nil, false
	}
	var ec models.EquipmentContext
	if err := json.Unmarshal(data, &ec); err != nil {
		c.log.Warn().Err(err).Str("equipment", equipmentCode).Msg("cache unmarshal")
		return nil, false
	}
	return &ec, true
}

// Set stores ec under equipmentCode with contextTTL.
func (c *EquipmentContextCache) Set(ctx context.Context, equipmentCode string, ec *models.EquipmentContext) {
	if !c.enabled {
		return
	}
	data, err := json.Marshal(ec)
	if err != nil {
		c.log.Warn().Err(err).Str("equipment", equipmentCode).Msg("cache marshal")
		return
	}
	if err := c.client.Set(ctx, c.key(equipmentCode), data, contextTTL).Err(); err != nil {
		c.log.Warn().Err(err).Str("equipment", equipmentCode).Msg("cache set")
	}
}

// Invalidate evicts equipmentCode's cached context.
func (c *EquipmentContextCache) Invalidate(ctx context.Context, equipmentCode string) {
	if !c.enabled {
		return
	}
	if err := c.client.Del(ctx, c.key(equipmentCode)).Err(); err != nil {
		c.log.Warn().Err(err).Str("equipment", equipmentCode).Msg("cache invalidate")
	}
}
