package cache

import (
	"context"
	"testing"
	"time"
)

func TestGoCache(t *testing.T) {
	config := LocalConfig{
		DefaultExpiration: 5 * time.Minute,
		CleanupInterval:   10 * time.Minute,
	}

	cache := NewGoCache(config)
	defer cache.Close()

	ctx := context.Background()

	t.Run("Set and Get", func(t *testing.T) {
		key := "test_key"
		value := "test_value"
		expiration := 1 * time.Minute

		err := cache.Set(ctx, key, value, expiration)
		if err != nil {
			t.Errorf("Failed to set cache: %v", err)
		}

		if retrieved, exists := cache.Get(ctx, key); !exists {
			t.Error("Cache value not found")
		} else if retrieved != value {
			t.Errorf("Expected %v, got %v", value, retrieved)
		}
	})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := cache.SetNX(ctx, "slot", "a", time.Minute)
		if err != nil || !ok {
			t.Errorf("first SetNX should succeed, ok=%v err=%v", ok, err)
		}

		ok, err = cache.SetNX(ctx, "slot", "b", time.Minute)
		if err != nil {
			t.Errorf("second SetNX error: %v", err)
		}
		if ok {
			t.Error("second SetNX should not overwrite")
		}
	})

	t.Run("Delete frees slot", func(t *testing.T) {
		_ = cache.Set(ctx, "gone", 1, time.Minute)
		_ = cache.Delete(ctx, "gone")
		if cache.Exists(ctx, "gone") {
			t.Error("key should be gone after delete")
		}
	})
}
