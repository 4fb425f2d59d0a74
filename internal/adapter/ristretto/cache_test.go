package ristretto_test

import (
	"context"
	"testing"
	"time"

	"github.com/wisp-mcp/wisp/internal/adapter/ristretto"
)

func TestCache_SetThenGet(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	ctx := context.Background()

	if err := c.Set(ctx, "key1", []byte("val1"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.Wait()

	val, found, err := c.Get(ctx, "key1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !found {
		t.Fatal("expected a hit after set")
	}
	if string(val) != "val1" {
		t.Fatalf("expected val1, got %s", val)
	}
}

func TestCache_MissOnUnknownKey(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)

	_, found, err := c.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected a miss for an unset key")
	}
}

func TestCache_Delete(t *testing.T) {
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("new cache: %v", err)
	}
	t.Cleanup(c.Close)
	ctx := context.Background()

	if err := c.Set(ctx, "key2", []byte("val2"), time.Minute); err != nil {
		t.Fatalf("set: %v", err)
	}
	c.Wait()

	if err := c.Delete(ctx, "key2"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	c.Wait()

	_, found, err := c.Get(ctx, "key2")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found {
		t.Fatal("expected key2 to be gone after delete")
	}
}
