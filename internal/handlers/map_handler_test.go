package handlers

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/koios/mapgen/internal/config"
	"github.com/koios/mapgen/internal/ratelimit"
	"github.com/koios/mapgen/internal/renderer"
	"github.com/koios/mapgen/internal/storage"
	"github.com/koios/mapgen/pkg/models"
	"go.uber.org/zap"
)

var mapURLPattern = regexp.MustCompile(`^/maps/map-\d+-[0-9a-f]{32}\.png$`)

// scriptedRunner stands in for the renderer process. By default it writes a
// small PNG to the output path and exits 0.
type scriptedRunner struct {
	mu        sync.Mutex
	calls     [][]string
	exitCode  int
	stderr    string
	writeFile bool
	spawnErr  error
}

func newScriptedRunner() *scriptedRunner {
	return &scriptedRunner{writeFile: true}
}

func (s *scriptedRunner) Run(ctx context.Context, args []string) (renderer.Outcome, error) {
	s.mu.Lock()
	s.calls = append(s.calls, args)
	s.mu.Unlock()

	if s.spawnErr != nil {
		return renderer.Outcome{ExitCode: -1}, s.spawnErr
	}
	if s.writeFile {
		output := args[len(args)-1]
		if err := os.WriteFile(output, []byte("\x89PNG\r\n\x1a\nfake"), 0644); err != nil {
			return renderer.Outcome{ExitCode: -1}, err
		}
	}
	return renderer.Outcome{ExitCode: s.exitCode, Stderr: s.stderr}, nil
}

func (s *scriptedRunner) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

type testServer struct {
	mux    *http.ServeMux
	dir    string
	runner *scriptedRunner
}

func testConfig(dir string) *config.Config {
	return &config.Config{
		RateLimit: config.RateLimitConfig{
			Requests:  10,
			Window:    time.Minute,
			Algorithm: ratelimit.AlgorithmSlidingCounter,
			Backend:   "memory",
		},
		Request: config.RequestConfig{ScaleMin: 50, ScaleMax: 1000},
		Storage: config.StorageConfig{
			Dir:       dir,
			URLPrefix: "/maps",
			MaxAge:    time.Hour,
		},
		Renderer: config.RendererConfig{
			Script:  "scripts/generate_map.py",
			Timeout: time.Minute,
		},
	}
}

func setupTestServer(t *testing.T, mutate func(cfg *config.Config)) *testServer {
	t.Helper()

	dir := filepath.Join(t.TempDir(), "maps")
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	logger := zap.NewNop()
	styles := models.DefaultStyles()
	runner := newScriptedRunner()

	limiter := ratelimit.NewLimiter(cfg.RateLimit.Algorithm, ratelimit.NewMemoryCounter(), cfg.RateLimit.Requests, cfg.RateLimit.Window)
	validator := NewValidator(styles, cfg.Request.ScaleMin, cfg.Request.ScaleMax, logger)
	store := storage.NewStore(cfg.Storage.Dir, cfg.Storage.URLPrefix, logger)
	invoker := renderer.NewInvoker(runner, cfg.Renderer.Script, cfg.Renderer.Timeout, logger)

	handler := NewMapHandler(cfg, limiter, validator, store, invoker, styles, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	return &testServer{mux: mux, dir: dir, runner: runner}
}

func (s *testServer) generate(t *testing.T, body string, remoteAddr string) (*httptest.ResponseRecorder, models.GenerateMapResponse) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/generate-map", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if remoteAddr != "" {
		req.RemoteAddr = remoteAddr
	}
	rec := httptest.NewRecorder()
	s.mux.ServeHTTP(rec, req)

	var resp models.GenerateMapResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("Failed to decode response %q: %v", rec.Body.String(), err)
	}
	return rec, resp
}

const validBody = `{"address":"Times Square, New York","mapType":"dark","scale":500}`

func TestGenerateMapSuccess(t *testing.T) {
	srv := setupTestServer(t, nil)

	rec, resp := srv.generate(t, validBody, "")

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if !resp.Success {
		t.Error("Expected success to be true")
	}
	if !mapURLPattern.MatchString(resp.MapURL) {
		t.Errorf("Unexpected mapUrl %q", resp.MapURL)
	}

	if srv.runner.callCount() != 1 {
		t.Fatalf("Expected exactly one renderer invocation, got %d", srv.runner.callCount())
	}
	name := strings.TrimPrefix(resp.MapURL, "/maps/")
	expectedArgs := []string{
		"scripts/generate_map.py",
		"Times Square, New York",
		"dark",
		"500",
		"{}",
		filepath.Join(srv.dir, name),
	}
	if !reflect.DeepEqual(srv.runner.calls[0], expectedArgs) {
		t.Errorf("Expected args %v, got %v", expectedArgs, srv.runner.calls[0])
	}

	if got := rec.Header().Get("X-RateLimit-Limit"); got != "10" {
		t.Errorf("Expected X-RateLimit-Limit 10, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "9" {
		t.Errorf("Expected X-RateLimit-Remaining 9, got %q", got)
	}

	t.Run("artifact is served", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, resp.MapURL, nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
			t.Errorf("Expected image/png, got %q", ct)
		}
		if !bytes.HasPrefix(rec.Body.Bytes(), []byte("\x89PNG")) {
			t.Error("Expected PNG content")
		}
	})
}

func TestGenerateMapWithCustomColors(t *testing.T) {
	srv := setupTestServer(t, nil)

	body := `{"address":"Paris","mapType":"retro","scale":"75.5",` +
		`"customColors":{"park_color":"#00FF00","building_color":"#123abc","water_color":null}}`
	rec, resp := srv.generate(t, body, "")

	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("Expected success, got %d: %s", rec.Code, rec.Body.String())
	}

	args := srv.runner.calls[0]
	if args[3] != "75.5" {
		t.Errorf("Expected scale argument '75.5', got %q", args[3])
	}
	if args[4] != `{"building_color":"#123abc","park_color":"#00FF00"}` {
		t.Errorf("Unexpected colors argument %q", args[4])
	}
}

func TestGenerateMapValidationFailure(t *testing.T) {
	srv := setupTestServer(t, nil)

	rec, resp := srv.generate(t, `{"address":"Times Square","mapType":"dark","scale":5}`, "")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	if resp.Success {
		t.Error("Expected success to be false")
	}
	if resp.Error != "Scale must be between 50 and 1000 meters" {
		t.Errorf("Unexpected error message %q", resp.Error)
	}
	if srv.runner.callCount() != 0 {
		t.Errorf("Expected renderer not to be invoked, got %d calls", srv.runner.callCount())
	}
	if _, err := os.Stat(srv.dir); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Expected artifact directory to be untouched, stat returned %v", err)
	}
}

func TestGenerateMapInvalidJSON(t *testing.T) {
	srv := setupTestServer(t, nil)

	for _, body := range []string{"", "{not json", `["address"]`} {
		rec, resp := srv.generate(t, body, "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("Body %q: expected status 400, got %d", body, rec.Code)
		}
		if resp.Success || resp.Error != "Invalid JSON body" {
			t.Errorf("Body %q: unexpected response %+v", body, resp)
		}
	}
	if srv.runner.callCount() != 0 {
		t.Errorf("Expected renderer not to be invoked, got %d calls", srv.runner.callCount())
	}
}

func TestGenerateMapRateLimit(t *testing.T) {
	srv := setupTestServer(t, nil)

	for i := 1; i <= 10; i++ {
		rec, _ := srv.generate(t, validBody, "203.0.113.7:5000")
		if rec.Code != http.StatusOK {
			t.Fatalf("Request %d: expected status 200, got %d", i, rec.Code)
		}
	}

	rec, resp := srv.generate(t, validBody, "203.0.113.7:5001")
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("Expected status 429, got %d", rec.Code)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"success":false,"error":"Too many requests"}` {
		t.Errorf("Unexpected body %s", rec.Body.String())
	}
	if resp.Error != "Too many requests" {
		t.Errorf("Unexpected error %q", resp.Error)
	}
	if got := rec.Header().Get("Retry-After"); got != "60" {
		t.Errorf("Expected Retry-After 60, got %q", got)
	}
	if got := rec.Header().Get("X-RateLimit-Remaining"); got != "0" {
		t.Errorf("Expected X-RateLimit-Remaining 0, got %q", got)
	}
	if srv.runner.callCount() != 10 {
		t.Errorf("Expected 10 renderer invocations, got %d", srv.runner.callCount())
	}

	t.Run("other clients are unaffected", func(t *testing.T) {
		rec, _ := srv.generate(t, validBody, "198.51.100.1:4000")
		if rec.Code != http.StatusOK {
			t.Errorf("Expected status 200 for a different client, got %d", rec.Code)
		}
	})
}

func TestGenerateMapTrustProxy(t *testing.T) {
	srv := setupTestServer(t, func(cfg *config.Config) {
		cfg.Server.TrustProxy = true
		cfg.RateLimit.Requests = 1
	})

	send := func(forwardedFor string) int {
		req := httptest.NewRequest(http.MethodPost, "/generate-map", strings.NewReader(validBody))
		req.Header.Set("X-Forwarded-For", forwardedFor)
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send("192.0.2.10, 10.0.0.1"); code != http.StatusOK {
		t.Fatalf("Expected first request to succeed, got %d", code)
	}
	if code := send("192.0.2.10"); code != http.StatusTooManyRequests {
		t.Errorf("Expected same forwarded client to be limited, got %d", code)
	}
	if code := send("192.0.2.11"); code != http.StatusOK {
		t.Errorf("Expected a different forwarded client to pass, got %d", code)
	}
}

func TestGenerateMapRendererFailures(t *testing.T) {
	t.Run("exit zero without output", func(t *testing.T) {
		srv := setupTestServer(t, nil)
		srv.runner.writeFile = false

		rec, resp := srv.generate(t, validBody, "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", rec.Code)
		}
		if resp.Error != "Map file was not generated" {
			t.Errorf("Unexpected error %q", resp.Error)
		}
	})

	t.Run("non-zero exit discards partial output", func(t *testing.T) {
		srv := setupTestServer(t, nil)
		srv.runner.exitCode = 1
		srv.runner.stderr = `{"success": false, "error": "Could not geocode address"}`

		rec, resp := srv.generate(t, validBody, "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", rec.Code)
		}
		if resp.Error != "Map generation failed" {
			t.Errorf("Unexpected error %q", resp.Error)
		}

		entries, err := os.ReadDir(srv.dir)
		if err != nil {
			t.Fatalf("ReadDir failed: %v", err)
		}
		if len(entries) != 0 {
			t.Errorf("Expected partial output to be removed, found %d files", len(entries))
		}
	})

	t.Run("renderer detail exposed when enabled", func(t *testing.T) {
		srv := setupTestServer(t, func(cfg *config.Config) {
			cfg.Renderer.ExposeErrors = true
		})
		srv.runner.exitCode = 1
		srv.runner.writeFile = false
		srv.runner.stderr = `{"success": false, "error": "Could not geocode address"}`

		_, resp := srv.generate(t, validBody, "")
		if resp.Error != "Map generation failed: Could not geocode address" {
			t.Errorf("Unexpected error %q", resp.Error)
		}
	})

	t.Run("spawn failure", func(t *testing.T) {
		srv := setupTestServer(t, nil)
		srv.runner.spawnErr = errors.New("exec: \"python3\": executable file not found in $PATH")

		rec, resp := srv.generate(t, validBody, "")
		if rec.Code != http.StatusInternalServerError {
			t.Errorf("Expected status 500, got %d", rec.Code)
		}
		if resp.Error != "Map generation failed" {
			t.Errorf("Unexpected error %q", resp.Error)
		}
	})
}

// failingLimiter simulates an unreachable rate limit backend
type failingLimiter struct{}

func (failingLimiter) Allow(ctx context.Context, key string) (bool, error) {
	return false, errors.New("redis: connection refused")
}
func (failingLimiter) Remaining(ctx context.Context, key string) (int, error) { return 0, nil }
func (failingLimiter) Limit() int                                             { return 10 }
func (failingLimiter) Window() time.Duration                                  { return time.Minute }

func TestGenerateMapLimiterFailure(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "maps")
	cfg := testConfig(dir)
	logger := zap.NewNop()
	styles := models.DefaultStyles()
	runner := newScriptedRunner()

	handler := NewMapHandler(cfg, failingLimiter{},
		NewValidator(styles, 50, 1000, logger),
		storage.NewStore(dir, "/maps", logger),
		renderer.NewInvoker(runner, "", time.Minute, logger),
		styles, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	srv := &testServer{mux: mux, dir: dir, runner: runner}
	rec, resp := srv.generate(t, validBody, "")

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	if resp.Error != "Rate limit check failed" {
		t.Errorf("Unexpected error %q", resp.Error)
	}
	if runner.callCount() != 0 {
		t.Error("Expected renderer not to be invoked")
	}
}

func TestGenerateMapEvictsStaleArtifacts(t *testing.T) {
	srv := setupTestServer(t, nil)

	if err := os.MkdirAll(srv.dir, 0755); err != nil {
		t.Fatalf("MkdirAll failed: %v", err)
	}
	stale := filepath.Join(srv.dir, "map-1000-0123456789abcdef0123456789abcdef.png")
	other := filepath.Join(srv.dir, "README.txt")
	for _, path := range []string{stale, other} {
		if err := os.WriteFile(path, []byte("x"), 0644); err != nil {
			t.Fatalf("WriteFile failed: %v", err)
		}
		old := time.Now().Add(-2 * time.Hour)
		if err := os.Chtimes(path, old, old); err != nil {
			t.Fatalf("Chtimes failed: %v", err)
		}
	}

	rec, _ := srv.generate(t, validBody, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rec.Code)
	}

	if _, err := os.Stat(stale); !errors.Is(err, os.ErrNotExist) {
		t.Error("Expected stale map to be evicted")
	}
	if _, err := os.Stat(other); err != nil {
		t.Errorf("Expected unrelated file to be kept, got %v", err)
	}
}

// staticChecker reports a fixed health state
type staticChecker bool

func (s staticChecker) IsHealthy(ctx context.Context) bool { return bool(s) }

func TestAuxiliaryRoutes(t *testing.T) {
	srv := setupTestServer(t, nil)

	t.Run("health", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		var body map[string]interface{}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to decode health response: %v", err)
		}
		if body["status"] != "healthy" {
			t.Errorf("Expected status 'healthy', got %v", body["status"])
		}
	})

	t.Run("map styles", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/map-styles", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		var body struct {
			Styles []models.Style `json:"styles"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("Failed to decode styles response: %v", err)
		}
		if len(body.Styles) != 10 {
			t.Errorf("Expected 10 styles, got %d", len(body.Styles))
		}
		for _, style := range body.Styles {
			if style.Advisory != (style.ID == "retro") {
				t.Errorf("Style %q advisory = %v", style.ID, style.Advisory)
			}
		}
	})

	t.Run("method not allowed", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/generate-map", nil))

		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status 405, got %d", rec.Code)
		}
	})

	t.Run("unknown artifact names", func(t *testing.T) {
		for _, path := range []string{"/maps/secret.txt", "/maps/map-1-missing.png", "/maps/map-1-x.png.txt"} {
			rec := httptest.NewRecorder()
			srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			if rec.Code != http.StatusNotFound {
				t.Errorf("%s: expected status 404, got %d", path, rec.Code)
			}
		}
	})

	t.Run("metrics", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		if rec.Code != http.StatusOK {
			t.Fatalf("Expected status 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "mapgen_") {
			t.Error("Expected mapgen metrics in the exposition")
		}
	})
}

func TestHealthReportsRedis(t *testing.T) {
	tests := []struct {
		name       string
		healthy    bool
		wantStatus int
		wantRedis  string
	}{
		{"redis up", true, http.StatusOK, "up"},
		{"redis down", false, http.StatusServiceUnavailable, "down"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			cfg := testConfig(dir)
			logger := zap.NewNop()
			styles := models.DefaultStyles()
			handler := NewMapHandler(cfg, failingLimiter{},
				NewValidator(styles, 50, 1000, logger),
				storage.NewStore(dir, "/maps", logger),
				renderer.NewInvoker(newScriptedRunner(), "", time.Minute, logger),
				styles, logger)
			handler.SetHealthChecker(staticChecker(tt.healthy))

			mux := http.NewServeMux()
			handler.RegisterRoutes(mux)

			rec := httptest.NewRecorder()
			mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantStatus {
				t.Errorf("Expected status %d, got %d", tt.wantStatus, rec.Code)
			}
			var body map[string]interface{}
			if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
				t.Fatalf("Failed to decode health response: %v", err)
			}
			if body["redis"] != tt.wantRedis {
				t.Errorf("Expected redis %q, got %v", tt.wantRedis, body["redis"])
			}
		})
	}
}

// gatedRenderer holds every render until release is closed
type gatedRenderer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRenderer) Render(ctx context.Context, req *models.GenerationRequest, outputPath string) error {
	g.once.Do(func() { close(g.started) })
	<-g.release
	return os.WriteFile(outputPath, []byte("png"), 0o644)
}

func TestGenerateMapQueueWaitFitsWriteTimeout(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "maps")
	cfg := testConfig(dir)
	// One second of queue wait: 7s write timeout minus a 1s render and the response margin
	cfg.Server.WriteTimeout = 7
	cfg.Renderer.Timeout = time.Second
	cfg.Renderer.Command = "python3"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Test config rejected: %v", err)
	}

	logger := zap.NewNop()
	styles := models.DefaultStyles()
	gate := &gatedRenderer{started: make(chan struct{}), release: make(chan struct{})}
	pool := renderer.NewPool(1, gate, logger)
	pool.Start()
	defer pool.Stop()

	handler := NewMapHandler(cfg,
		ratelimit.NewLimiter(cfg.RateLimit.Algorithm, ratelimit.NewMemoryCounter(), cfg.RateLimit.Requests, cfg.RateLimit.Window),
		NewValidator(styles, 50, 1000, logger),
		storage.NewStore(dir, "/maps", logger),
		pool, styles, logger)
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	srv := &testServer{mux: mux, dir: dir}

	// The first request holds the only renderer.
	firstDone := make(chan int, 1)
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/generate-map", strings.NewReader(validBody))
		rec := httptest.NewRecorder()
		mux.ServeHTTP(rec, req)
		firstDone <- rec.Code
	}()
	select {
	case <-gate.started:
	case <-time.After(5 * time.Second):
		t.Fatal("First render never started")
	}

	start := time.Now()
	rec, resp := srv.generate(t, validBody, "")
	elapsed := time.Since(start)

	if rec.Code != http.StatusInternalServerError {
		t.Errorf("Expected status 500, got %d", rec.Code)
	}
	if resp.Success || resp.Error != "Map generation failed" {
		t.Errorf("Expected a structured failure, got %+v", resp)
	}
	if elapsed < 900*time.Millisecond || elapsed > 5*time.Second {
		t.Errorf("Expected the queued request to give up after about 1s, took %v", elapsed)
	}

	close(gate.release)
	if code := <-firstDone; code != http.StatusOK {
		t.Errorf("Expected the running render to finish with 200, got %d", code)
	}
}
