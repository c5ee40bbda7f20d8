package cache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/common/crypto"
	"github.com/caasxyz/notification/internal/notify/cache"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/store"
)

type fakeLoader struct {
	calls int
	rows  map[string]*store.ChannelConfig
}

func (f *fakeLoader) GetChannelConfig(ctx context.Context, userID, channelType string) (*store.ChannelConfig, error) {
	f.calls++
	row, ok := f.rows[userID+"/"+channelType]
	if !ok {
		return nil, store.ErrNotFound
	}
	return row, nil
}

func encrypted(t *testing.T, key []byte, plaintext string) string {
	t.Helper()
	s, err := crypto.EncryptString(key, plaintext)
	if err != nil {
		t.Fatalf("EncryptString: %v", err)
	}
	return s
}

func TestGet_ReadThroughAndTTL(t *testing.T) {
	key := crypto.NormalizeKey("test-key")
	loader := &fakeLoader{rows: map[string]*store.ChannelConfig{
		"u1/webhook": {
			UserID: "u1", ChannelType: "webhook", IsActive: true,
			Payload: encrypted(t, key, `{"webhook_url":"https://h.example/ep"}`),
		},
	}}
	clk := clock.NewFake(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
	c := cache.New(loader, key, cache.WithClock(clk))

	e, err := c.Get(context.Background(), "u1", channel.TypeWebhook)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(e.Raw) != `{"webhook_url":"https://h.example/ep"}` {
		t.Errorf("Raw: %s", e.Raw)
	}
	if !e.IsActive {
		t.Error("IsActive lost")
	}
	if loader.calls != 1 {
		t.Fatalf("loader calls: %d", loader.calls)
	}

	// Within the TTL the store is not consulted again.
	clk.Advance(4 * time.Minute)
	if _, err := c.Get(context.Background(), "u1", channel.TypeWebhook); err != nil {
		t.Fatalf("cached Get: %v", err)
	}
	if loader.calls != 1 {
		t.Errorf("loader called on a fresh entry: %d calls", loader.calls)
	}

	// Past the TTL the entry is re-read.
	clk.Advance(2 * time.Minute)
	if _, err := c.Get(context.Background(), "u1", channel.TypeWebhook); err != nil {
		t.Fatalf("expired Get: %v", err)
	}
	if loader.calls != 2 {
		t.Errorf("expired entry not re-read: %d calls", loader.calls)
	}
}

func TestGet_NotFoundPassesThrough(t *testing.T) {
	key := crypto.NormalizeKey("k")
	c := cache.New(&fakeLoader{rows: nil}, key)
	_, err := c.Get(context.Background(), "nobody", channel.TypeSlack)
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestGet_BadCiphertext(t *testing.T) {
	key := crypto.NormalizeKey("k")
	loader := &fakeLoader{rows: map[string]*store.ChannelConfig{
		"u1/lark": {UserID: "u1", ChannelType: "lark", Payload: "not-base64!!"},
	}}
	c := cache.New(loader, key)
	if _, err := c.Get(context.Background(), "u1", channel.TypeLark); err == nil {
		t.Error("corrupt payload should fail")
	}
}
