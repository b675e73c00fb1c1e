// Package runs keeps the history of import runs in Redis and broadcasts
// their state transitions over pub/sub.
package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/ryugou/analytics-chat-agent/internal/apperr"
	"github.com/ryugou/analytics-chat-agent/internal/models"
)

const (
	indexKey    = "import_runs:index"
	valuePrefix = "import_runs:"

	// Channel carries every saved run as JSON.
	Channel = "import_runs:updates"
)

var idRe = regexp.MustCompile(`^[a-zA-Z0-9-]{1,64}$`)

// Store persists import runs.
type Store struct {
	client redis.Cmdable
}

func NewStore(client redis.Cmdable) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	return &Store{client: client}, nil
}

// NewID returns a fresh run id.
func NewID() string {
	return uuid.NewString()
}

func ValidateID(id string) error {
	if !idRe.MatchString(id) {
		return apperr.Validation("validate run id", "invalid run id %q", id)
	}
	return nil
}

// Save writes run and publishes it on Channel in the same transaction.
func (s *Store) Save(ctx context.Context, run *models.ImportRun) error {
	if err := ValidateID(run.ID); err != nil {
		return err
	}

	b, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, runKey(run.ID), b, 0)
	pipe.SAdd(ctx, indexKey, run.ID)
	pipe.Publish(ctx, Channel, b)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*models.ImportRun, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	val, err := s.client.Get(ctx, runKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, apperr.NotFound("get run", "run %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}

	var r models.ImportRun
	if err := json.Unmarshal([]byte(val), &r); err != nil {
		return nil, fmt.Errorf("unmarshal run: %w", err)
	}
	return &r, nil
}

// List returns up to limit runs, newest first. limit <= 0 returns all.
func (s *Store) List(ctx context.Context, limit int) ([]*models.ImportRun, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list runs index: %w", err)
	}

	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		if ValidateID(id) != nil {
			continue
		}
		keys = append(keys, runKey(id))
	}
	if len(keys) == 0 {
		return []*models.ImportRun{}, nil
	}

	vals, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("mget runs: %w", err)
	}

	out := make([]*models.ImportRun, 0, len(vals))
	for _, v := range vals {
		str, ok := v.(string)
		if !ok {
			continue
		}
		var r models.ImportRun
		if err := json.Unmarshal([]byte(str), &r); err != nil {
			continue
		}
		out = append(out, &r)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func runKey(id string) string {
	return valuePrefix + id
}
