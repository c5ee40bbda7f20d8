package dispatch_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/common/crypto"
	"github.com/caasxyz/notification/internal/notify/cache"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/dispatch"
	"github.com/caasxyz/notification/internal/notify/errs"
	"github.com/caasxyz/notification/internal/notify/queue"
	"github.com/caasxyz/notification/internal/notify/store"
	"github.com/caasxyz/notification/internal/notify/template"
)

var testKey = crypto.NormalizeKey("dispatch-test-key")

type fixture struct {
	store      *store.Store
	queue      *queue.SQLite
	clock      *clock.Fake
	dispatcher *dispatch.Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	st, err := store.Open(filepath.Join(t.TempDir(), "notify.db"), store.WithClock(clk))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q := queue.NewSQLite(st.DB(), clk)

	client := &http.Client{Timeout: 5 * time.Second}
	registry, err := channel.NewRegistry(
		channel.NewWebhook(client, channel.WithPrivateNetworks()),
		channel.NewTelegram(client),
		channel.NewLark(client, channel.WithLarkClock(clk)),
		channel.NewSlack(client),
	)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}

	configs := cache.New(st, testKey, cache.WithClock(clk))
	templates := template.New(st)

	return &fixture{
		store:      st,
		queue:      q,
		clock:      clk,
		dispatcher: dispatch.New(st, configs, templates, registry, q, clk),
	}
}

func (f *fixture) seedConfig(t *testing.T, userID string, ch channel.Type, configJSON string, active bool) {
	t.Helper()
	payload, err := crypto.EncryptString(testKey, configJSON)
	if err != nil {
		t.Fatalf("encrypt config: %v", err)
	}
	err = f.store.UpsertChannelConfig(context.Background(), &store.ChannelConfig{
		UserID:      userID,
		ChannelType: string(ch),
		Payload:     payload,
		IsActive:    active,
	})
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}
}

func (f *fixture) seedWebhook(t *testing.T, userID, url string) {
	t.Helper()
	f.seedConfig(t, userID, channel.TypeWebhook, fmt.Sprintf(`{"webhook_url":%q}`, url), true)
}

func customRequest(userID string, content string, channels ...channel.Type) *dispatch.Request {
	return &dispatch.Request{
		UserID:        userID,
		Channels:      channels,
		CustomContent: &dispatch.CustomContent{Content: content},
	}
}

func TestDispatchWebhookSuccess(t *testing.T) {
	f := newFixture(t)

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Content string `json:"content"`
		}{}
		json.NewDecoder(r.Body).Decode(&body)
		got.Store(body.Content)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f.seedWebhook(t, "alice", srv.URL)

	resp, err := f.dispatcher.Dispatch(context.Background(), customRequest("alice", "hello", channel.TypeWebhook))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.RequestID == "" {
		t.Error("Dispatch() returned empty request id")
	}
	if len(resp.Results) != 1 {
		t.Fatalf("len(Results) = %d, want 1", len(resp.Results))
	}

	r := resp.Results[0]
	if !r.Success {
		t.Fatalf("result not successful: %s", r.Error)
	}
	if r.MessageID == "" {
		t.Error("result has empty message_id")
	}
	if got.Load() != "hello" {
		t.Errorf("delivered content = %v, want hello", got.Load())
	}

	row, err := f.store.GetAttempt(context.Background(), r.LogID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if row.Status != store.StatusSent {
		t.Errorf("attempt status = %q, want %q", row.Status, store.StatusSent)
	}
	if row.RequestID != resp.RequestID {
		t.Errorf("attempt request_id = %q, want %q", row.RequestID, resp.RequestID)
	}
}

func TestDispatchOneRowPerChannel(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// webhook configured, telegram not: one sent row, one failed row.
	f.seedWebhook(t, "alice", srv.URL)

	resp, err := f.dispatcher.Dispatch(context.Background(),
		customRequest("alice", "hello", channel.TypeWebhook, channel.TypeTelegram))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("len(Results) = %d, want 2", len(resp.Results))
	}

	// Results preserve request channel order across the concurrent fan-out.
	if resp.Results[0].ChannelType != "webhook" || resp.Results[1].ChannelType != "telegram" {
		t.Errorf("result order = [%s %s], want [webhook telegram]",
			resp.Results[0].ChannelType, resp.Results[1].ChannelType)
	}
	if !resp.Results[0].Success {
		t.Errorf("webhook result failed: %s", resp.Results[0].Error)
	}
	if resp.Results[1].Success {
		t.Error("telegram result succeeded without a config")
	}
	if !strings.Contains(resp.Results[1].Error, string(errs.CodeConfigNotFound)) {
		t.Errorf("telegram error = %q, want CONFIG_NOT_FOUND", resp.Results[1].Error)
	}

	n, err := f.store.CountAttemptsByRequest(context.Background(), resp.RequestID)
	if err != nil {
		t.Fatalf("CountAttemptsByRequest() error = %v", err)
	}
	if n != 2 {
		t.Errorf("attempt rows = %d, want 2", n)
	}

	row, err := f.store.GetAttempt(context.Background(), resp.Results[1].LogID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if row.Status != store.StatusFailed {
		t.Errorf("unconfigured channel status = %q, want %q", row.Status, store.StatusFailed)
	}
}

func TestDispatchInactiveConfigFails(t *testing.T) {
	f := newFixture(t)
	f.seedConfig(t, "alice", channel.TypeWebhook, `{"webhook_url":"http://example.com/hook"}`, false)

	resp, err := f.dispatcher.Dispatch(context.Background(), customRequest("alice", "hello", channel.TypeWebhook))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if resp.Results[0].Success {
		t.Fatal("dispatch succeeded on an inactive config")
	}
	if !strings.Contains(resp.Results[0].Error, string(errs.CodeConfigNotFound)) {
		t.Errorf("error = %q, want CONFIG_NOT_FOUND", resp.Results[0].Error)
	}
}

func TestDispatchRetryableFailureSchedulesRetry(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	f.seedWebhook(t, "alice", srv.URL)

	resp, err := f.dispatcher.Dispatch(context.Background(), customRequest("alice", "hello", channel.TypeWebhook))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	r := resp.Results[0]
	if r.Success {
		t.Fatal("dispatch succeeded against a 502 endpoint")
	}

	row, err := f.store.GetAttempt(context.Background(), r.LogID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if row.Status != store.StatusRetryScheduled {
		t.Fatalf("attempt status = %q, want %q", row.Status, store.StatusRetryScheduled)
	}

	depth, err := f.queue.Depth(context.Background(), queue.Retry)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 1 {
		t.Fatalf("retry queue depth = %d, want 1", depth)
	}

	// The message becomes visible after the first retry interval.
	f.clock.Advance(queue.RetryIntervals[0])
	msg, err := f.queue.Receive(context.Background(), queue.Retry, time.Minute)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if msg == nil {
		t.Fatal("retry message not visible after first interval")
	}
	decoded, err := queue.DecodeRetryMessage(msg.Payload)
	if err != nil {
		t.Fatalf("DecodeRetryMessage() error = %v", err)
	}
	if decoded.LogID != r.LogID {
		t.Errorf("retry message log id = %d, want %d", decoded.LogID, r.LogID)
	}
	if decoded.RetryCount != 0 {
		t.Errorf("retry message retry count = %d, want 0", decoded.RetryCount)
	}
}

func TestDispatchPermanentFailureDoesNotQueue(t *testing.T) {
	f := newFixture(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	f.seedWebhook(t, "alice", srv.URL)

	resp, err := f.dispatcher.Dispatch(context.Background(), customRequest("alice", "hello", channel.TypeWebhook))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	row, err := f.store.GetAttempt(context.Background(), resp.Results[0].LogID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if row.Status != store.StatusFailed {
		t.Errorf("attempt status = %q, want %q", row.Status, store.StatusFailed)
	}

	depth, err := f.queue.Depth(context.Background(), queue.Retry)
	if err != nil {
		t.Fatalf("Depth() error = %v", err)
	}
	if depth != 0 {
		t.Errorf("retry queue depth = %d, want 0", depth)
	}
}

func TestDispatchIdempotentReplay(t *testing.T) {
	f := newFixture(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f.seedWebhook(t, "alice", srv.URL)

	req := customRequest("alice", "hello", channel.TypeWebhook)
	req.IdempotencyKey = "order-42"

	first, err := f.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("first Dispatch() error = %v", err)
	}
	if first.Replayed {
		t.Fatal("first dispatch reported as replayed")
	}

	second, err := f.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("second Dispatch() error = %v", err)
	}
	if !second.Replayed {
		t.Fatal("second dispatch not replayed")
	}
	if second.RequestID == "" || second.RequestID != first.RequestID {
		t.Errorf("replayed request id = %q, want original %q", second.RequestID, first.RequestID)
	}
	if hits.Load() != 1 {
		t.Errorf("endpoint hit %d times, want 1", hits.Load())
	}
	if len(second.Results) != 1 || second.Results[0].LogID != first.Results[0].LogID {
		t.Errorf("replayed results = %+v, want original %+v", second.Results, first.Results)
	}

	// After the TTL the key dispatches again.
	f.clock.Advance(dispatch.IdempotencyTTL + time.Second)
	third, err := f.dispatcher.Dispatch(context.Background(), req)
	if err != nil {
		t.Fatalf("third Dispatch() error = %v", err)
	}
	if third.Replayed {
		t.Error("dispatch replayed after key expiry")
	}
	if hits.Load() != 2 {
		t.Errorf("endpoint hit %d times after expiry, want 2", hits.Load())
	}
}

func TestDispatchTemplateRendering(t *testing.T) {
	f := newFixture(t)

	var got atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Content string `json:"content"`
			Subject string `json:"subject"`
		}{}
		json.NewDecoder(r.Body).Decode(&body)
		got.Store(body)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	f.seedWebhook(t, "alice", srv.URL)

	ctx := context.Background()
	if err := f.store.UpsertTemplateHeader(ctx, &store.TemplateHeader{
		TemplateKey: "order_shipped",
		Name:        "Order shipped",
		Variables:   []string{"order_id"},
		IsActive:    true,
	}); err != nil {
		t.Fatalf("seed header: %v", err)
	}
	if err := f.store.UpsertTemplateContent(ctx, &store.TemplateContent{
		TemplateKey:     "order_shipped",
		ChannelType:     "webhook",
		SubjectTemplate: "Order {{order_id}}",
		ContentTemplate: "Your order {{order_id}} has shipped.",
		ContentType:     channel.ContentText,
	}); err != nil {
		t.Fatalf("seed content: %v", err)
	}

	resp, err := f.dispatcher.Dispatch(ctx, &dispatch.Request{
		UserID:      "alice",
		Channels:    []channel.Type{channel.TypeWebhook},
		TemplateKey: "order_shipped",
		Variables:   map[string]string{"order_id": "A-17"},
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	if !resp.Results[0].Success {
		t.Fatalf("result failed: %s", resp.Results[0].Error)
	}

	body := got.Load().(struct {
		Content string `json:"content"`
		Subject string `json:"subject"`
	})
	if body.Content != "Your order A-17 has shipped." {
		t.Errorf("content = %q", body.Content)
	}
	if body.Subject != "Order A-17" {
		t.Errorf("subject = %q", body.Subject)
	}

	row, err := f.store.GetAttempt(ctx, resp.Results[0].LogID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if row.Content != "Your order A-17 has shipped." {
		t.Errorf("persisted content = %q", row.Content)
	}
	if row.TemplateKey != "order_shipped" {
		t.Errorf("persisted template_key = %q", row.TemplateKey)
	}
}

func TestDispatchUnknownTemplateRejectsRequest(t *testing.T) {
	f := newFixture(t)
	f.seedWebhook(t, "alice", "http://example.com/hook")

	_, err := f.dispatcher.Dispatch(context.Background(), &dispatch.Request{
		UserID:      "alice",
		Channels:    []channel.Type{channel.TypeWebhook},
		TemplateKey: "no_such_template",
	})
	if err == nil {
		t.Fatal("Dispatch() succeeded with an unknown template")
	}
	if errs.CodeOf(err) != errs.CodeTemplateNotFound {
		t.Errorf("code = %s, want TEMPLATE_NOT_FOUND", errs.CodeOf(err))
	}

	// Request-level rejections leave no attempt rows behind.
	var n int
	if err := f.store.DB().QueryRow("SELECT COUNT(*) FROM notification_logs").Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if n != 0 {
		t.Errorf("attempt rows = %d, want 0", n)
	}
}

func TestDispatchMissingContentForChannel(t *testing.T) {
	f := newFixture(t)
	f.seedWebhook(t, "alice", "http://example.com/hook")

	ctx := context.Background()
	if err := f.store.UpsertTemplateHeader(ctx, &store.TemplateHeader{
		TemplateKey: "slack_only",
		Name:        "Slack only",
		IsActive:    true,
	}); err != nil {
		t.Fatalf("seed header: %v", err)
	}

	resp, err := f.dispatcher.Dispatch(ctx, &dispatch.Request{
		UserID:      "alice",
		Channels:    []channel.Type{channel.TypeWebhook},
		TemplateKey: "slack_only",
	})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	r := resp.Results[0]
	if r.Success {
		t.Fatal("dispatch succeeded without channel content")
	}
	if !strings.Contains(r.Error, string(errs.CodeNoContentForChannel)) {
		t.Errorf("error = %q, want NO_CONTENT_FOR_CHANNEL", r.Error)
	}

	row, err := f.store.GetAttempt(ctx, r.LogID)
	if err != nil {
		t.Fatalf("GetAttempt() error = %v", err)
	}
	if row.Status != store.StatusFailed {
		t.Errorf("attempt status = %q, want %q", row.Status, store.StatusFailed)
	}
}

func TestValidate(t *testing.T) {
	webhook := []channel.Type{channel.TypeWebhook}
	content := &dispatch.CustomContent{Content: "hi"}

	tests := []struct {
		name string
		req  *dispatch.Request
		code errs.Code
	}{
		{
			name: "missing user id",
			req:  &dispatch.Request{Channels: webhook, CustomContent: content},
			code: errs.CodeInvalidUserID,
		},
		{
			name: "user id with path traversal",
			req:  &dispatch.Request{UserID: "../etc", Channels: webhook, CustomContent: content},
			code: errs.CodeInvalidUserID,
		},
		{
			name: "no channels",
			req:  &dispatch.Request{UserID: "alice", CustomContent: content},
			code: errs.CodeInvalidChannels,
		},
		{
			name: "unknown channel",
			req:  &dispatch.Request{UserID: "alice", Channels: []channel.Type{"pager"}, CustomContent: content},
			code: errs.CodeInvalidChannelType,
		},
		{
			name: "duplicate channel",
			req: &dispatch.Request{UserID: "alice",
				Channels:      []channel.Type{channel.TypeWebhook, channel.TypeWebhook},
				CustomContent: content},
			code: errs.CodeInvalidChannels,
		},
		{
			name: "neither template nor content",
			req:  &dispatch.Request{UserID: "alice", Channels: webhook},
			code: errs.CodeMissingContent,
		},
		{
			name: "both template and content",
			req: &dispatch.Request{UserID: "alice", Channels: webhook,
				TemplateKey: "t", CustomContent: content},
			code: errs.CodeMissingContent,
		},
		{
			name: "empty custom content",
			req: &dispatch.Request{UserID: "alice", Channels: webhook,
				CustomContent: &dispatch.CustomContent{}},
			code: errs.CodeMissingContent,
		},
		{
			name: "script injection in content",
			req: &dispatch.Request{UserID: "alice", Channels: webhook,
				CustomContent: &dispatch.CustomContent{Content: "<script>alert(1)</script>"}},
			code: errs.CodeSecurityThreatDetected,
		},
		{
			name: "script injection in variable",
			req: &dispatch.Request{UserID: "alice", Channels: webhook,
				TemplateKey: "t",
				Variables:   map[string]string{"x": "javascript:alert(1)"}},
			code: errs.CodeSecurityThreatDetected,
		},
		{
			name: "valid template request",
			req: &dispatch.Request{UserID: "alice", Channels: webhook,
				TemplateKey: "t", Variables: map[string]string{"x": "1"}},
		},
		{
			name: "valid custom request",
			req:  &dispatch.Request{UserID: "alice", Channels: webhook, CustomContent: content},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := dispatch.Validate(tt.req)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil {
				t.Fatal("Validate() = nil, want error")
			}
			if errs.CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s", errs.CodeOf(err), tt.code)
			}
		})
	}
}

func TestRequestHashDistinguishesBodies(t *testing.T) {
	a := customRequest("alice", "hello", channel.TypeWebhook)
	b := customRequest("alice", "goodbye", channel.TypeWebhook)
	if dispatch.RequestHash(a) == dispatch.RequestHash(b) {
		t.Error("different bodies hash equal")
	}
	if dispatch.RequestHash(a) != dispatch.RequestHash(customRequest("alice", "hello", channel.TypeWebhook)) {
		t.Error("equal bodies hash differently")
	}
}
