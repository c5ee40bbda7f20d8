package app_test

import (
	"path/filepath"
	"testing"

	"github.com/caasxyz/notification/common/crypto"
	"github.com/caasxyz/notification/internal/notify/app"
)

func TestNewWiresAndStops(t *testing.T) {
	gateway, err := app.New(&app.Config{
		DatabasePath: filepath.Join(t.TempDir(), "notify.db"),
		HTTPAddr:     "127.0.0.1:0",
		APISecret:    "secret",
		EncryptKey:   crypto.NormalizeKey("key"),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	gateway.Stop()
}

func TestNewFailsOnBadDatabasePath(t *testing.T) {
	_, err := app.New(&app.Config{
		DatabasePath: filepath.Join(t.TempDir(), "missing", "nested", "notify.db"),
		APISecret:    "secret",
		EncryptKey:   crypto.NormalizeKey("key"),
	})
	if err == nil {
		t.Fatal("New() succeeded with an uncreatable database path")
	}
}
