package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registry tracks which live connections want updates for which prompt ids.
// It is routing metadata only: expiry is best-effort and job-state
// correctness never depends on it.
type Registry struct {
	client     *redis.Client
	ttl        time.Duration
	connTTL    time.Duration
	connPrefix string
	subsPrefix string
}

// Subscription is one (promptID, connectionID) routing row.
type Subscription struct {
	ConnectionID string    `json:"connection_id"`
	UserID       string    `json:"user_id,omitempty"`
	SubscribedAt time.Time `json:"subscribed_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// Live reports whether the row is still usable for routing at the given time.
func (s Subscription) Live(now time.Time) bool {
	return now.Before(s.ExpiresAt)
}

// New builds a registry on an existing Redis client. ttl bounds subscription
// lifetime; connections are kept four times as long before Redis reaps them.
func New(client *redis.Client, ttl time.Duration) *Registry {
	if ttl == 0 {
		ttl = 6 * time.Hour
	}
	return &Registry{
		client:     client,
		ttl:        ttl,
		connTTL:    4 * ttl,
		connPrefix: "registry:conn:",
		subsPrefix: "registry:subs:",
	}
}

func (r *Registry) connKey(connectionID string) string {
	return r.connPrefix + connectionID
}

func (r *Registry) subsKey(promptID string) string {
	return r.subsPrefix + promptID
}

// RegisterConnection records a live realtime channel.
func (r *Registry) RegisterConnection(ctx context.Context, connectionID, userID string) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.connKey(connectionID), "user_id", userID, "last_activity", time.Now().Unix())
	pipe.Expire(ctx, r.connKey(connectionID), r.connTTL)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("register connection: %w", err)
	}
	return nil
}

// TouchConnection refreshes last_activity, used by the ping keepalive.
func (r *Registry) TouchConnection(ctx context.Context, connectionID string) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.connKey(connectionID), "last_activity", time.Now().Unix())
	pipe.Expire(ctx, r.connKey(connectionID), r.connTTL)
	_, err := pipe.Exec(ctx)
	return err
}

// ConnectionUser reports whether the connection row exists and its owner.
func (r *Registry) ConnectionUser(ctx context.Context, connectionID string) (string, bool, error) {
	userID, err := r.client.HGet(ctx, r.connKey(connectionID), "user_id").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("lookup connection: %w", err)
	}
	return userID, true, nil
}

// RemoveConnection deletes the connection row. Called on explicit close and
// when a delivery attempt reports the channel gone.
func (r *Registry) RemoveConnection(ctx context.Context, connectionID string) error {
	return r.client.Del(ctx, r.connKey(connectionID)).Err()
}

// Subscribe creates or overwrites the subscription row with a fresh TTL.
func (r *Registry) Subscribe(ctx context.Context, promptID, connectionID, userID string) (Subscription, error) {
	now := time.Now().UTC()
	sub := Subscription{
		ConnectionID: connectionID,
		UserID:       userID,
		SubscribedAt: now,
		ExpiresAt:    now.Add(r.ttl),
	}
	raw, err := json.Marshal(sub)
	if err != nil {
		return Subscription{}, fmt.Errorf("marshal subscription: %w", err)
	}
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.subsKey(promptID), connectionID, raw)
	pipe.Expire(ctx, r.subsKey(promptID), r.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return Subscription{}, fmt.Errorf("subscribe: %w", err)
	}
	return sub, nil
}

// Unsubscribe deletes the subscription row unconditionally; absence is not
// an error.
func (r *Registry) Unsubscribe(ctx context.Context, promptID, connectionID string) error {
	if err := r.client.HDel(ctx, r.subsKey(promptID), connectionID).Err(); err != nil {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Subscriptions returns all live rows for a prompt id. Expired rows are
// filtered out here and reaped opportunistically.
func (r *Registry) Subscriptions(ctx context.Context, promptID string) ([]Subscription, error) {
	raw, err := r.client.HGetAll(ctx, r.subsKey(promptID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	now := time.Now()
	var live []Subscription
	var dead []string
	for field, val := range raw {
		var sub Subscription
		if err := json.Unmarshal([]byte(val), &sub); err != nil {
			dead = append(dead, field)
			continue
		}
		if !sub.Live(now) {
			dead = append(dead, field)
			continue
		}
		live = append(live, sub)
	}
	if len(dead) > 0 {
		_ = r.client.HDel(ctx, r.subsKey(promptID), dead...).Err()
	}
	return live, nil
}
