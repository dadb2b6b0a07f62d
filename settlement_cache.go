package x402

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultSettlementTTL is how long a settled payload is remembered and refused.
// It outlives the blockhash of an SVM transaction, after which the chain refuses it.
const DefaultSettlementTTL = 2 * time.Minute

// SettlementCache consumes payloads: concurrent settle calls for the same payload share
// one facilitator submission, and once it has succeeded any later call is refused with
// a duplicate_settlement SettleError until the entry expires.
// Failed settlements are forgotten so the caller may retry.
type SettlementCache struct {
	mu      sync.Mutex
	entries map[string]*settlementEntry
	ttl     time.Duration
	now     func() time.Time
}

type settlementEntry struct {
	done    chan struct{}
	result  *SettleResponse
	expires time.Time
}

// NewSettlementCache creates a new settlement cache with the specified TTL.
func NewSettlementCache(ttl time.Duration) *SettlementCache {
	return &SettlementCache{
		entries: make(map[string]*settlementEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// GenerateSettlementKey hashes the signed part of a payload together with the requirement it
// targets. For SVM the signed transaction embeds a blockhash, so two payments never collide.
func GenerateSettlementKey(payload PaymentPayload) (string, error) {
	data, err := json.Marshal(struct {
		Payload  map[string]interface{} `json:"payload"`
		Accepted PaymentRequirements    `json:"accepted"`
	}{payload.Payload, payload.Accepted})
	if err != nil {
		return "", fmt.Errorf("failed to encode payload for settlement key: %w", err)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Settled reports whether key has already been settled successfully
func (c *SettlementCache) Settled(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	return ok && entry.result != nil && !c.now().After(entry.expires)
}

// Do runs settle for key. A caller arriving while the same key is in flight waits and
// shares its result (shared=true). A caller arriving after it settled gets a
// duplicate_settlement SettleError.
func (c *SettlementCache) Do(ctx context.Context, key string, settle func() (*SettleResponse, error)) (*SettleResponse, bool, error) {
	var entry *settlementEntry
	for {
		c.mu.Lock()
		var exists bool
		entry, exists = c.entries[key]
		if exists && entry.result != nil {
			if !c.now().After(entry.expires) {
				result := entry.result
				c.mu.Unlock()
				return nil, false, NewSettleError(ErrCodeDuplicateSettlement, result.Payer, result.Network, result.Transaction, "payment was already settled")
			}
			delete(c.entries, key)
			exists = false
		}
		if !exists {
			entry = &settlementEntry{done: make(chan struct{})}
			c.entries[key] = entry
			c.mu.Unlock()
			break
		}
		c.mu.Unlock()

		select {
		case <-entry.done:
		case <-ctx.Done():
			return nil, false, ctx.Err()
		}

		c.mu.Lock()
		result := entry.result
		c.mu.Unlock()
		if result != nil {
			return result, true, nil
		}
		// The in-flight attempt failed; take another turn
	}

	result, err := settle()

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil || result == nil || !result.Success {
		delete(c.entries, key)
		close(entry.done)
		return result, false, err
	}
	entry.result = result
	entry.expires = c.now().Add(c.ttl)
	close(entry.done)
	c.cleanupExpiredLocked()
	return result, false, nil
}

// Len reports the number of tracked entries, including in-flight ones
func (c *SettlementCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// cleanupExpiredLocked removes expired entries. Must be called with lock held.
func (c *SettlementCache) cleanupExpiredLocked() {
	now := c.now()
	for key, entry := range c.entries {
		if entry.result != nil && now.After(entry.expires) {
			delete(c.entries, key)
		}
	}
}
