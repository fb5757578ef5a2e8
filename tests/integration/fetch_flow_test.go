package integration

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gofiber/fiber/v3"
	"github.com/sirupsen/logrus"

	"github.com/img-hub/img-hub/internal/config"
	"github.com/img-hub/img-hub/internal/imagecache"
	"github.com/img-hub/img-hub/internal/server"
	"github.com/img-hub/img-hub/internal/server/routes"
	"github.com/img-hub/img-hub/internal/store"
	"github.com/img-hub/img-hub/internal/transform"
	"github.com/img-hub/img-hub/internal/upstream"
)

type imageStub struct {
	*httptest.Server
	calls atomic.Int64
	body  []byte
}

func newImageStub(t *testing.T) *imageStub {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, 24, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 24; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 10), G: uint8(y * 12), B: 60, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode fixture: %v", err)
	}

	stub := &imageStub{body: buf.Bytes()}
	stub.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stub.calls.Add(1)
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write(stub.body)
	}))
	return stub
}

func newTestApp(t *testing.T, stub *imageStub, storageDir string) (*fiber.App, store.Store) {
	t.Helper()

	stubURL, err := url.Parse(stub.URL)
	if err != nil {
		t.Fatalf("parse stub url: %v", err)
	}

	cfg := &config.Config{
		Global: config.GlobalConfig{
			ListenPort:      5000,
			StoragePath:     storageDir,
			UpstreamTimeout: config.Duration(5 * time.Second),
			InitialBackoff:  config.Duration(time.Millisecond),
			MaxRetries:      1,
			MaxWidth:        1024,
			MaxHeight:       1024,
			Format:          "png",
		},
		Sources: []config.SourceConfig{{Host: stubURL.Hostname()}},
	}

	logger := logrus.New()
	logger.SetOutput(io.Discard)

	durable, err := store.NewStore(storageDir)
	if err != nil {
		t.Fatalf("store error: %v", err)
	}

	fetcher := upstream.NewHTTPFetcher(cfg, upstream.NewClient(cfg), logger)
	transformer := transform.NewImageTransformer(cfg.Global)

	coordinator, err := imagecache.NewCoordinator(imagecache.Options{
		Store:            durable,
		Fetcher:          fetcher,
		Transformer:      transformer,
		Logger:           logger,
		StorageExtension: cfg.Global.StorageExtension(),
	})
	if err != nil {
		t.Fatalf("coordinator error: %v", err)
	}

	app, err := server.NewApp(server.AppOptions{
		Logger:      logger,
		Provider:    coordinator,
		Store:       durable,
		Transformer: transformer,
		Format:      cfg.Global.Format,
		ListenPort:  cfg.Global.ListenPort,
	})
	if err != nil {
		t.Fatalf("app error: %v", err)
	}
	routes.RegisterStatsRoutes(app, coordinator, storageDir)
	return app, durable
}

func TestFetchFlowCachesArtifact(t *testing.T) {
	stub := newImageStub(t)
	defer stub.Close()

	storageDir := t.TempDir()
	app, _ := newTestApp(t, stub, storageDir)

	sourceURL := stub.URL + "/gallery/photo.png"
	doRequest := func(method string) *http.Response {
		req := httptest.NewRequest(method, "/image?url="+url.QueryEscape(sourceURL), nil)
		resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
		if err != nil {
			t.Fatalf("app.Test error: %v", err)
		}
		return resp
	}

	resp := doRequest(http.MethodGet)
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on first fetch, got %d", resp.StatusCode)
	}
	if ct := resp.Header.Get(fiber.HeaderContentType); ct != "image/png" {
		t.Fatalf("unexpected content type %q", ct)
	}
	if hit := resp.Header.Get("X-Img-Hub-Cache-Hit"); hit != "false" {
		t.Fatalf("expected cache miss on first fetch, got %s", hit)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	decoded, err := png.Decode(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("response body is not a valid png: %v", err)
	}
	if decoded.Bounds().Dx() != 24 || decoded.Bounds().Dy() != 16 {
		t.Fatalf("unexpected image size %v", decoded.Bounds())
	}
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("expected single upstream fetch, got %d", got)
	}

	// The durable write is detached from the request, so poll for it.
	artifact := filepath.Join(storageDir, "photo.png")
	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(artifact); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("durable artifact %s never appeared", artifact)
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp2 := doRequest(http.MethodGet)
	if resp2.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 on cached fetch, got %d", resp2.StatusCode)
	}
	if hit := resp2.Header.Get("X-Img-Hub-Cache-Hit"); hit != "true" {
		t.Fatalf("expected cache hit on second fetch, got %s", hit)
	}
	body2, _ := io.ReadAll(resp2.Body)
	resp2.Body.Close()
	if _, err := png.Decode(bytes.NewReader(body2)); err != nil {
		t.Fatalf("cached body is not a valid png: %v", err)
	}
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("cached fetch should not hit upstream, got %d calls", got)
	}

	headResp := doRequest(http.MethodHead)
	if headResp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 for HEAD on cached key, got %d", headResp.StatusCode)
	}
	headResp.Body.Close()
	if got := stub.calls.Load(); got != 1 {
		t.Fatalf("HEAD should never hit upstream, got %d calls", got)
	}
}

func TestFetchFlowRejectsUnknownSource(t *testing.T) {
	stub := newImageStub(t)
	defer stub.Close()

	app, _ := newTestApp(t, stub, t.TempDir())

	req := httptest.NewRequest(http.MethodGet, "/image?url="+url.QueryEscape("http://evil.example.com/a.png"), nil)
	resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusBadGateway {
		t.Fatalf("expected 502 for disallowed source, got %d", resp.StatusCode)
	}
	if got := stub.calls.Load(); got != 0 {
		t.Fatalf("disallowed source must not reach upstream, got %d calls", got)
	}
}

func TestStatsEndpointReportsStorage(t *testing.T) {
	stub := newImageStub(t)
	defer stub.Close()

	storageDir := t.TempDir()
	app, _ := newTestApp(t, stub, storageDir)

	req := httptest.NewRequest(http.MethodGet, "/-/stats", nil)
	resp, err := app.Test(req)
	if err != nil {
		t.Fatalf("app.Test error: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != fiber.StatusOK {
		t.Fatalf("expected 200 from stats, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !bytes.Contains(body, []byte(storageDir)) {
		t.Fatalf("stats should report storage path, got %s", body)
	}
}
