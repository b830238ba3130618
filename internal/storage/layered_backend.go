package storage

import (
	"context"
	"fmt"
)

// LayeredBackend reads through a fast front tier to a durable back tier and
// promotes back-tier hits into the front.
type LayeredBackend struct {
	front CacheBackend
	back  CacheBackend
}

// NewLayeredBackend combines two backends.
func NewLayeredBackend(front, back CacheBackend) *LayeredBackend {
	return &LayeredBackend{front: front, back: back}
}

// Load checks the front tier first.
func (l *LayeredBackend) Load(ctx context.Context, key string) (*CacheEntry, error) {
	if entry, err := l.front.Load(ctx, key); err == nil && entry != nil {
		return entry, nil
	}

	entry, err := l.back.Load(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	_ = l.front.Store(ctx, *entry)
	return entry, nil
}

// Store writes the durable tier first; the front tier is best effort.
func (l *LayeredBackend) Store(ctx context.Context, entry CacheEntry) error {
	if err := l.back.Store(ctx, entry); err != nil {
		return err
	}
	_ = l.front.Store(ctx, entry)
	return nil
}

// DeletePrefix clears both tiers.
func (l *LayeredBackend) DeletePrefix(ctx context.Context, prefix string) (int, error) {
	frontN, frontErr := l.front.DeletePrefix(ctx, prefix)
	backN, backErr := l.back.DeletePrefix(ctx, prefix)
	if backErr != nil {
		return backN, backErr
	}
	if frontErr != nil {
		return backN, fmt.Errorf("front tier: %w", frontErr)
	}
	if frontN > backN {
		return frontN, nil
	}
	return backN, nil
}
