package auth_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/auth"
	"github.com/caasxyz/notification/internal/notify/errs"
)

const secret = "test-api-secret"

func newAuthenticator() (*auth.Authenticator, *clock.Fake) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	return auth.New(secret, auth.WithClock(clk)), clk
}

func TestVerifySignedBody(t *testing.T) {
	a, clk := newAuthenticator()

	body := []byte(`{"user_id":"alice"}`)
	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)
	sig := a.Sign(auth.CanonicalPayload(ts, "POST", "/api/notifications/send", "", body))

	if err := a.Verify(ts, sig, "POST", "/api/notifications/send", "", body); err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
}

func TestVerifySignedPath(t *testing.T) {
	a, clk := newAuthenticator()
	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)

	tests := []struct {
		name     string
		path     string
		rawQuery string
	}{
		{name: "plain path", path: "/api/logs"},
		{name: "path with query", path: "/api/logs", rawQuery: "user_id=alice&limit=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sig := a.Sign(auth.CanonicalPayload(ts, "GET", tt.path, tt.rawQuery, nil))
			if err := a.Verify(ts, sig, "GET", tt.path, tt.rawQuery, nil); err != nil {
				t.Fatalf("Verify() error = %v", err)
			}
		})
	}
}

func TestVerifyQueryStringIsSigned(t *testing.T) {
	a, clk := newAuthenticator()
	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)

	sig := a.Sign(auth.CanonicalPayload(ts, "GET", "/api/logs", "user_id=alice", nil))
	err := a.Verify(ts, sig, "GET", "/api/logs", "user_id=bob", nil)
	if errs.CodeOf(err) != errs.CodeInvalidSignature {
		t.Fatalf("tampered query: code = %s, want INVALID_SIGNATURE", errs.CodeOf(err))
	}
}

func TestVerifyMissingHeaders(t *testing.T) {
	a, clk := newAuthenticator()
	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)

	err := a.Verify("", "", "POST", "/api/notifications/send", "", nil)
	if errs.CodeOf(err) != errs.CodeMissingSignature {
		t.Errorf("no headers: code = %s, want MISSING_SIGNATURE", errs.CodeOf(err))
	}

	err = a.Verify(ts, "", "POST", "/api/notifications/send", "", nil)
	if errs.CodeOf(err) != errs.CodeMissingSignature {
		t.Errorf("no signature: code = %s, want MISSING_SIGNATURE", errs.CodeOf(err))
	}
}

func TestVerifyTamperedBody(t *testing.T) {
	a, clk := newAuthenticator()

	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)
	sig := a.Sign(auth.CanonicalPayload(ts, "POST", "/x", "", []byte(`{"a":1}`)))

	err := a.Verify(ts, sig, "POST", "/x", "", []byte(`{"a":2}`))
	if errs.CodeOf(err) != errs.CodeInvalidSignature {
		t.Fatalf("code = %s, want INVALID_SIGNATURE", errs.CodeOf(err))
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	a, clk := newAuthenticator()
	other := auth.New("other-secret", auth.WithClock(clk))

	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)
	body := []byte(`{}`)
	sig := other.Sign(auth.CanonicalPayload(ts, "POST", "/x", "", body))

	err := a.Verify(ts, sig, "POST", "/x", "", body)
	if errs.CodeOf(err) != errs.CodeInvalidSignature {
		t.Fatalf("code = %s, want INVALID_SIGNATURE", errs.CodeOf(err))
	}
}

func TestVerifyNonHexSignature(t *testing.T) {
	a, clk := newAuthenticator()
	ts := strconv.FormatInt(clk.Now().UnixMilli(), 10)

	err := a.Verify(ts, "not-hex!", "POST", "/x", "", []byte(`{}`))
	if errs.CodeOf(err) != errs.CodeInvalidSignature {
		t.Fatalf("code = %s, want INVALID_SIGNATURE", errs.CodeOf(err))
	}
}

func TestVerifySkewWindow(t *testing.T) {
	a, clk := newAuthenticator()
	now := clk.Now().UnixMilli()
	body := []byte(`{}`)

	tests := []struct {
		name string
		ms   int64
		code errs.Code
	}{
		{name: "exactly at the past edge", ms: now - auth.MaxSkew.Milliseconds()},
		{name: "exactly at the future edge", ms: now + auth.MaxSkew.Milliseconds()},
		{name: "just past the past edge", ms: now - auth.MaxSkew.Milliseconds() - 1, code: errs.CodeRequestExpired},
		{name: "just past the future edge", ms: now + auth.MaxSkew.Milliseconds() + 1, code: errs.CodeRequestExpired},
		{name: "garbage timestamp", ms: -1, code: errs.CodeInvalidSignature},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := strconv.FormatInt(tt.ms, 10)
			if tt.name == "garbage timestamp" {
				ts = "yesterday"
			}
			sig := a.Sign(auth.CanonicalPayload(ts, "POST", "/x", "", body))

			err := a.Verify(ts, sig, "POST", "/x", "", body)
			if tt.code == "" {
				if err != nil {
					t.Fatalf("Verify() error = %v, want nil", err)
				}
				return
			}
			if errs.CodeOf(err) != tt.code {
				t.Errorf("code = %s, want %s", errs.CodeOf(err), tt.code)
			}
		})
	}
}
