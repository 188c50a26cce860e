// Package redis adapts github.com/redis/go-redis/v9 to the
// statemachine.Store port the domain layer depends on: one JSON-encoded
// state key per id plus a Pub/Sub completion notification channel,
// grounded in original_source/flowmachine/flowmachine/core/dummy_query.py's
// `QueryStateMachine(self.redis, self.md5)` usage.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/flowkit/queryserver/common/mlog"
	"github.com/flowkit/queryserver/internal/domain/statemachine"
)

const (
	stateKeyPrefix   = "flowkit:query_state:"
	channelKeyPrefix = "flowkit:query_state:notify:"
)

// StateStore implements statemachine.Store against a Redis client.
type StateStore struct {
	Client *redis.Client
	Logger mlog.Logger
}

// NewStateStore builds a StateStore over an already-connected client.
func NewStateStore(client *redis.Client, logger mlog.Logger) *StateStore {
	return &StateStore{Client: client, Logger: logger}
}

type wireRecord struct {
	State string `json:"state"`
	Cause string `json:"cause"`
}

func stateKey(id string) string   { return stateKeyPrefix + id }
func channelKey(id string) string { return channelKeyPrefix + id }

// Get returns id's stored record, or ok=false if the key is absent.
func (s *StateStore) Get(ctx context.Context, id string) (statemachine.Record, bool, error) {
	raw, err := s.Client.Get(ctx, stateKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return statemachine.Record{}, false, nil
	}

	if err != nil {
		return statemachine.Record{}, false, fmt.Errorf("redis: get %s: %w", id, err)
	}

	var w wireRecord

	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return statemachine.Record{}, false, fmt.Errorf("redis: decode state of %s: %w", id, err)
	}

	return statemachine.Record{State: statemachine.State(w.State), Cause: w.Cause}, true, nil
}

// CompareAndSwap implements statemachine.Store's atomic transition using a
// Lua script so the read-compare-write is indivisible under concurrent
// callers from multiple server processes.
func (s *StateStore) CompareAndSwap(ctx context.Context, id string, from, to statemachine.State, cause string) (bool, error) {
	payload, err := json.Marshal(wireRecord{State: string(to), Cause: cause})
	if err != nil {
		return false, fmt.Errorf("redis: encode state for %s: %w", id, err)
	}

	res, err := casScript.Run(ctx, s.Client, []string{stateKey(id)}, string(from), string(statemachine.Known), string(payload)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: cas %s: %w", id, err)
	}

	swapped, _ := res.(int64)

	return swapped == 1, nil
}

// casScript implements: if the key is absent and `from` is "known", or the
// stored state field equals `from`, set the key to `to`; else no-op.
// Absent-means-known lets Enqueue transition a fingerprint the cache has
// just reserved without a separate "create known record" round trip.
var casScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
local from = ARGV[1]
local knownSentinel = ARGV[2]
local payload = ARGV[3]

if current == false then
  if from == knownSentinel then
    redis.call("SET", KEYS[1], payload)
    return 1
  end
  return 0
end

local ok, decoded = pcall(cjson.decode, current)
if not ok then
  return 0
end

if decoded["state"] == from then
  redis.call("SET", KEYS[1], payload)
  return 1
end

return 0
`)

// Publish announces a terminal transition on id's notification channel.
func (s *StateStore) Publish(ctx context.Context, id string, rec statemachine.Record) error {
	payload, err := json.Marshal(wireRecord{State: string(rec.State), Cause: rec.Cause})
	if err != nil {
		return fmt.Errorf("redis: encode notification for %s: %w", id, err)
	}

	if err := s.Client.Publish(ctx, channelKey(id), payload).Err(); err != nil {
		return fmt.Errorf("redis: publish %s: %w", id, err)
	}

	return nil
}

// Subscribe returns a channel of every subsequent Publish for id.
func (s *StateStore) Subscribe(ctx context.Context, id string) (<-chan statemachine.Record, func(), error) {
	sub := s.Client.Subscribe(ctx, channelKey(id))

	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, fmt.Errorf("redis: subscribe %s: %w", id, err)
	}

	out := make(chan statemachine.Record, 1)

	go func() {
		defer close(out)

		for msg := range sub.Channel() {
			var w wireRecord

			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				s.Logger.Errorf("redis: decode notification for %s: %v", id, err)
				continue
			}

			select {
			case out <- statemachine.Record{State: statemachine.State(w.State), Cause: w.Cause}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}
