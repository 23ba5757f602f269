package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	offlinecache "github.com/always-cache/offline-cache"
	"github.com/always-cache/offline-cache/cache"

	"github.com/rs/zerolog"
)

var testLogger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).Level(zerolog.DebugLevel)

func testApp() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "app "+r.Method+" "+r.URL.Path)
	})
	return mux
}

func newTestServer(t *testing.T, generation *string) *server {
	return newTestServerWith(t, generation, defaultConfig(), cache.NewMemStorage(), offlinecache.HandlerNetwork{Handler: testApp()})
}

func newTestServerWith(t *testing.T, generation *string, config Config, storage cache.Storage, network offlinecache.Network) *server {
	reload := func() (Config, error) {
		config := defaultConfig()
		config.Generation = *generation
		config.Assets = []string{"/", "/static/index.html"}
		return config, nil
	}
	return newServer(config, reload, storage, network, testLogger)
}

func do(t *testing.T, h http.Handler, method, path string) (*http.Response, string) {
	t.Helper()
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(method, path, nil))
	res := rr.Result()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func TestInstallEndpointSwitchesGeneration(t *testing.T) {
	generation := "v1"
	srv := newTestServer(t, &generation)
	routes := srv.routes()

	res, body := do(t, routes, "POST", "/.offline-cache/install")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("Status is %d: %s", res.StatusCode, body)
	}
	generation = "v2"
	do(t, routes, "POST", "/.offline-cache/install")

	res, body = do(t, routes, "GET", "/.offline-cache/status")
	var st status
	if err := json.Unmarshal([]byte(body), &st); err != nil {
		t.Fatalf("Status body %s: %v", body, err)
	}
	if st.Active != "v2" {
		t.Fatalf("Active generation is %q", st.Active)
	}
	if len(st.Stores) != 1 || st.Stores[0] != "v2" {
		t.Fatalf("Stores are %v", st.Stores)
	}
	if st.Entries != 2 {
		t.Fatalf("Active generation has %d entries", st.Entries)
	}
}

func TestInstallEndpointRejectsBadConfig(t *testing.T) {
	generation := ""
	srv := newTestServer(t, &generation)
	if res, _ := do(t, srv.routes(), "POST", "/.offline-cache/install"); res.StatusCode != http.StatusBadRequest {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestAppRequestsGoThroughHost(t *testing.T) {
	generation := "v1"
	srv := newTestServer(t, &generation)
	routes := srv.routes()
	do(t, routes, "POST", "/.offline-cache/install")

	res, body := do(t, routes, "GET", "/static/index.html")
	if body != "app GET /static/index.html" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	res, body = do(t, routes, "DELETE", "/things/1")
	if body != "app DELETE /things/1" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	generation := "v1"
	srv := newTestServer(t, &generation)
	routes := srv.routes()
	do(t, routes, "POST", "/.offline-cache/install")
	do(t, routes, "GET", "/static/index.html")

	_, body := do(t, routes, "GET", "/metrics")
	for _, want := range []string{"offline_cache_fetches_total", `offline_cache_active_generation_info{generation="v1"} 1`} {
		if !strings.Contains(body, want) {
			t.Fatalf("Metrics do not contain %s:\n%s", want, body)
		}
	}
}

func TestRestartWhileOfflineServesStoredGeneration(t *testing.T) {
	generation := "v1"
	filename := filepath.Join(t.TempDir(), "cache.db")

	storage, err := cache.NewSQLiteStorage(filename)
	if err != nil {
		t.Fatal(err)
	}
	online := newTestServerWith(t, &generation, defaultConfig(), storage, offlinecache.HandlerNetwork{Handler: testApp()})
	if _, err := online.install(context.Background()); err != nil {
		t.Fatal(err)
	}
	storage.Close()

	// same db, origin gone
	storage, err = cache.NewSQLiteStorage(filename)
	if err != nil {
		t.Fatal(err)
	}
	defer storage.Close()
	offline := offlinecache.NetworkFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("network unreachable")
	})
	restarted := newTestServerWith(t, &generation, defaultConfig(), storage, offline)
	if _, err := restarted.install(context.Background()); err != nil {
		t.Fatalf("Stored generation not resumed: %v", err)
	}
	if gen := restarted.host.Generation(); gen != "v1" {
		t.Fatalf("Active generation is %q", gen)
	}
	res, body := do(t, restarted.routes(), "GET", "/static/index.html")
	if res.StatusCode != http.StatusOK || body != "app GET /static/index.html" {
		t.Fatalf("Got %d %s", res.StatusCode, body)
	}
}

func TestRestartWhileOfflineWithoutStoredGeneration(t *testing.T) {
	generation := "v1"
	offline := offlinecache.NetworkFunc(func(r *http.Request) (*http.Response, error) {
		return nil, errors.New("network unreachable")
	})
	storage := cache.NewMemStorage()
	srv := newTestServerWith(t, &generation, defaultConfig(), storage, offline)
	if _, err := srv.install(context.Background()); !errors.Is(err, offlinecache.ErrInstallFailed) {
		t.Fatalf("Error is %v", err)
	}
	if srv.host.Active() != nil {
		t.Fatal("Empty generation resumed")
	}
}

func TestStatusDoesNotCreateStores(t *testing.T) {
	generation := "v1"
	storage := cache.NewMemStorage()
	srv := newTestServerWith(t, &generation, defaultConfig(), storage, offlinecache.HandlerNetwork{Handler: testApp()})
	routes := srv.routes()
	do(t, routes, "POST", "/.offline-cache/install")
	storage.Delete("v1")

	_, body := do(t, routes, "GET", "/.offline-cache/status")
	if exists, _ := storage.Has("v1"); exists {
		t.Fatalf("Status recreated the deleted store: %s", body)
	}
}

func TestAdminPathsAreConfigurable(t *testing.T) {
	generation := "v1"
	config := defaultConfig()
	config.AdminPrefix = "/_cache"
	config.MetricsPath = ""
	srv := newTestServerWith(t, &generation, config, cache.NewMemStorage(), offlinecache.HandlerNetwork{Handler: testApp()})
	routes := srv.routes()

	if res, body := do(t, routes, "POST", "/_cache/install"); res.StatusCode != http.StatusOK {
		t.Fatalf("Install got %d %s", res.StatusCode, body)
	}
	// the default paths belong to the app again
	for _, path := range []string{"/.offline-cache/status", "/metrics"} {
		if _, body := do(t, routes, "GET", path); body != "app GET "+path {
			t.Fatalf("%s got %s", path, body)
		}
	}
}
