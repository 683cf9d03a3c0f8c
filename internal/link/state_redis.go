// Copyright (c) 2026 LabGate. All rights reserved.

package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/labgate/labgate/internal/platform/apperr"
	"github.com/labgate/labgate/internal/platform/constants"
)

// ErrInvalidState is returned when a callback presents a state token that is
// absent, expired, or already consumed. All three cases are indistinguishable
// on purpose.
var ErrInvalidState = apperr.ValidationError("Invalid state")

// LinkState is the volatile record created at flow start and consumed exactly
// once at callback. It doubles as a CSRF token and as the carrier for the
// post-login redirect target.
type LinkState struct {
	State      string    `json:"state"`
	Provider   string    `json:"provider"`
	RedirectTo string    `json:"redirect_to,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// StateStore defines the storage contract for link states.
type StateStore interface {
	// Save stores a fresh state under its TTL.
	Save(ctx context.Context, state *LinkState) error

	// Consume atomically retrieves and deletes a state.
	//
	// Returns [ErrInvalidState] if the state does not exist (never issued,
	// expired, or already consumed by a racing callback).
	Consume(ctx context.Context, stateToken string) (*LinkState, error)
}

// RedisStateStore implements [StateStore] on Redis.
//
// # Why Redis?
//
// Link states are pure expiring ephemera: a TTL'd SET plus an atomic GETDEL
// gives single-use semantics with no cleanup job and no table bloat. GETDEL
// guarantees exactly one winner when two callbacks race on the same state.
type RedisStateStore struct {
	client *redis.Client
}

// NewRedisStateStore creates a Redis-backed [StateStore].
func NewRedisStateStore(client *redis.Client) *RedisStateStore {
	return &RedisStateStore{client: client}
}

// Save stores the state as JSON under the link-state key prefix with the
// standard TTL. An unconsumed state simply evaporates when the TTL lapses.
func (store *RedisStateStore) Save(ctx context.Context, state *LinkState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("link: failed to encode state: %w", err)
	}

	key := constants.RedisPrefixLinkState + state.State
	if err := store.client.Set(ctx, key, payload, constants.LinkStateTTL).Err(); err != nil {
		return fmt.Errorf("link: failed to store state: %w", err)
	}

	return nil
}

// Consume retrieves and deletes the state in one round trip.
func (store *RedisStateStore) Consume(ctx context.Context, stateToken string) (*LinkState, error) {
	key := constants.RedisPrefixLinkState + stateToken

	payload, err := store.client.GetDel(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrInvalidState
		}
		return nil, fmt.Errorf("link: failed to consume state: %w", err)
	}

	state := &LinkState{}
	if err := json.Unmarshal(payload, state); err != nil {
		return nil, fmt.Errorf("link: failed to decode state: %w", err)
	}

	return state, nil
}
