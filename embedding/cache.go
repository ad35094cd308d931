package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"docuchat_back/cache"
)

const (
	queryCacheTTL     = 10 * time.Minute
	queryCacheTimeout = 300 * time.Millisecond
)

// queryCache keeps recent query embeddings in Redis so repeated questions
// skip a provider round trip. It is strictly best-effort: every failure
// degrades to an ordinary embed call.
type queryCache struct {
	client  *redis.Client
	modelID string
}

func newQueryCacheFromEnv(modelID string) *queryCache {
	if !cache.Enabled() {
		return nil
	}
	client, err := cache.GetRedisClient()
	if err != nil || client == nil {
		return nil
	}
	return &queryCache{client: client, modelID: modelID}
}

func (c *queryCache) key(text string) string {
	digest := sha256.Sum256([]byte(text))
	return fmt.Sprintf("embed:query:%s:%s", c.modelID, hex.EncodeToString(digest[:]))
}

func (c *queryCache) get(ctx context.Context, text string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	cacheCtx, cancel := context.WithTimeout(ctx, queryCacheTimeout)
	defer cancel()

	raw, err := c.client.Get(cacheCtx, c.key(text)).Bytes()
	if err != nil {
		return nil, false
	}
	var vector []float32
	if err := json.Unmarshal(raw, &vector); err != nil || len(vector) == 0 {
		return nil, false
	}
	return vector, true
}

func (c *queryCache) set(ctx context.Context, text string, vector []float32) {
	if c == nil || c.client == nil || len(vector) == 0 {
		return
	}
	raw, err := json.Marshal(vector)
	if err != nil {
		return
	}
	cacheCtx, cancel := context.WithTimeout(ctx, queryCacheTimeout)
	defer cancel()

	if err := c.client.Set(cacheCtx, c.key(text), raw, queryCacheTTL).Err(); err != nil {
		log.Printf("embedding: cache query vector failed: %v", err)
	}
}
