package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"
)

// CachedProvider memoizes embeddings in Redis keyed by model and text hash.
// Redis failures are logged and bypassed; they never fail an embedding call.
type CachedProvider struct {
	next   Provider
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

func NewCachedProvider(next Provider, rdb *redis.Client, model string, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		next:   next,
		rdb:    rdb,
		prefix: "embedding:" + model + ":",
		ttl:    ttl,
	}
}

func (c *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.prefix + hex.EncodeToString(sum[:])
}

func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return c.next.EmbedBatch(ctx, texts)
	}

	keys := make([]string, len(texts))
	for i, t := range texts {
		keys[i] = c.key(t)
	}

	out := make([][]float32, len(texts))
	var missing []int
	cached, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Msg("Embedding cache read failed")
		cached = make([]interface{}, len(texts))
	}
	for i, v := range cached {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, i)
			continue
		}
		var vec []float32
		if err := msgpack.Unmarshal([]byte(s), &vec); err != nil || len(vec) == 0 {
			missing = append(missing, i)
			continue
		}
		out[i] = vec
	}
	if len(missing) == 0 {
		return out, nil
	}

	pending := make([]string, len(missing))
	for j, i := range missing {
		pending[j] = texts[i]
	}
	fresh, err := c.next.EmbedBatch(ctx, pending)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(pending) {
		return nil, fmt.Errorf("provider returned %d vectors for %d uncached inputs", len(fresh), len(pending))
	}

	pipe := c.rdb.Pipeline()
	for j, i := range missing {
		out[i] = fresh[j]
		data, err := msgpack.Marshal(fresh[j])
		if err != nil {
			continue
		}
		pipe.Set(ctx, keys[i], data, c.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("Embedding cache write failed")
	}
	return out, nil
}

// NewRedisClient accepts either a redis:// URL or a host:port address.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	var rdb *redis.Client
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse Redis URL: %v", err)
		}
		rdb = redis.NewClient(opt)
	} else {
		rdb = redis.NewClient(&redis.Options{Addr: redisURL})
	}

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return rdb, nil
}
