package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/pichub/pichub/internal/config"
	"github.com/pichub/pichub/internal/logging"
	"github.com/pichub/pichub/internal/store"
)

func TestServiceServesMetersAndFlushes(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:   3000,
			LogLevel:     "info",
			CacheDir:     filepath.Join(dir, "cache"),
			FetchTimeout: config.Duration(5 * time.Second),
		},
		Database: config.DatabaseConfig{
			Driver:   config.DriverSQLite,
			URL:      filepath.Join(dir, "pichub.db"),
			MaxConns: 2,
		},
		Billing: config.BillingConfig{
			Enabled:       true,
			FlushInterval: config.Duration(time.Hour),
			WriteTimeout:  config.Duration(5 * time.Second),
		},
	}
	logger := logging.Discard()

	svc, err := buildService(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("buildService error: %v", err)
	}
	t.Cleanup(func() { svc.close(logger) })

	sqlite, ok := svc.db.(*store.SQLiteStore)
	if !ok {
		t.Fatalf("expected sqlite store, got %T", svc.db)
	}
	ctx := context.Background()
	if err := sqlite.PutPicture(ctx, "alice", "tok1", "cat.png", samplePNG(t, 120, 60)); err != nil {
		t.Fatalf("seed picture: %v", err)
	}
	if err := sqlite.PutAvatar(ctx, "alice", "me.png", samplePNG(t, 20, 20)); err != nil {
		t.Fatalf("seed avatar: %v", err)
	}

	var delivered int
	for _, target := range []string{"/pictures/tok1/60x/cat.png", "/pictures/tok1/60x/cat.png", "/avatars/alice/me.png"} {
		resp, err := svc.app.Test(httptest.NewRequest("GET", target, nil))
		if err != nil {
			t.Fatalf("%s: app.Test failed: %v", target, err)
		}
		if resp.StatusCode != fiber.StatusOK {
			t.Fatalf("%s: expected 200, got %d", target, resp.StatusCode)
		}
		body, _ := io.ReadAll(resp.Body)
		if target != "/avatars/alice/me.png" {
			conf, err := jpeg.DecodeConfig(bytes.NewReader(body))
			if err != nil || conf.Width != 60 || conf.Height != 30 {
				t.Fatalf("%s: unexpected derived image %+v (%v)", target, conf, err)
			}
			delivered += len(body)
		}
	}

	resp, err := svc.app.Test(httptest.NewRequest("GET", "/pictures/ghost/cat.png", nil))
	if err != nil {
		t.Fatalf("app.Test failed: %v", err)
	}
	if resp.StatusCode != fiber.StatusNotFound {
		t.Fatalf("missing picture should be 404, got %d", resp.StatusCode)
	}

	resp, err = svc.app.Test(httptest.NewRequest("GET", "/-/healthz", nil))
	if err != nil || resp.StatusCode != fiber.StatusOK {
		t.Fatalf("healthz should pass: %v %v", resp, err)
	}

	if err := svc.aggregator.Close(ctx); err != nil {
		t.Fatalf("final flush failed: %v", err)
	}
	balance, err := sqlite.Balance(ctx, "alice")
	if err != nil {
		t.Fatalf("balance error: %v", err)
	}
	if balance != -int64(delivered) {
		t.Fatalf("balance = %d, want %d", balance, -delivered)
	}
}

func samplePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 200, G: uint8(x), B: uint8(y), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
