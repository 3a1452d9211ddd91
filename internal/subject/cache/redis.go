package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"didregistry/internal/subject/models"
	id "didregistry/pkg/domain"
)

const (
	keyPrefix        = "didregistry:document:"
	generationPrefix = "didregistry:document-generation:"

	// generationTTL outlives any read that started under the old generation.
	generationTTL = 24 * time.Hour
)

// setIfCurrent writes the document only while the generation counter still
// holds the value the reader observed before loading the subject.
var setIfCurrent = redis.NewScript(`
local current = redis.call('GET', KEYS[1]) or '0'
if current ~= ARGV[1] then
	return 0
end
redis.call('SET', KEYS[2], ARGV[2], 'PX', ARGV[3])
return 1
`)

// Redis caches assembled documents. Entries expire after ttl and are dropped
// by the engine after every committed mutation of their subject. Each drop
// advances a per-subject generation so that a fill racing a mutation is
// discarded.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedis(client redis.Cmdable, ttl time.Duration) *Redis {
	return &Redis{client: client, ttl: ttl}
}

func key(subjectID id.SubjectID) string {
	return keyPrefix + subjectID.String()
}

func generationKey(subjectID id.SubjectID) string {
	return generationPrefix + subjectID.String()
}

// Get returns the cached document. A miss is (nil, false, nil).
func (c *Redis) Get(ctx context.Context, subjectID id.SubjectID) (*models.Document, bool, error) {
	raw, err := c.client.Get(ctx, key(subjectID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("get cached document: %w", err)
	}
	var doc models.Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, false, fmt.Errorf("decode cached document: %w", err)
	}
	return &doc, true, nil
}

// Generation returns the subject's current generation. A subject that was
// never invalidated is at generation zero.
func (c *Redis) Generation(ctx context.Context, subjectID id.SubjectID) (int64, error) {
	generation, err := c.client.Get(ctx, generationKey(subjectID)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get document generation: %w", err)
	}
	return generation, nil
}

// Set stores doc when generation is still current and reports whether it did.
func (c *Redis) Set(ctx context.Context, subjectID id.SubjectID, generation int64, doc *models.Document) (bool, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return false, fmt.Errorf("encode document: %w", err)
	}
	stored, err := setIfCurrent.Run(ctx, c.client,
		[]string{generationKey(subjectID), key(subjectID)},
		strconv.FormatInt(generation, 10), raw, c.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("set cached document: %w", err)
	}
	return stored == 1, nil
}

// Invalidate advances the generation and drops the cached document.
func (c *Redis) Invalidate(ctx context.Context, subjectID id.SubjectID) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, generationKey(subjectID))
		pipe.Expire(ctx, generationKey(subjectID), generationTTL)
		pipe.Del(ctx, key(subjectID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("invalidate cached document: %w", err)
	}
	return nil
}
