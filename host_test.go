package offlinecache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/always-cache/offline-cache/cache"
	"github.com/always-cache/offline-cache/pkg/metrics"
)

func newTestHost(origin Network) *Host {
	return NewHost(HostConfig{
		Network: origin,
		Logger:  &testLogger,
		Metrics: metrics.NewMetrics(),
	})
}

func serve(h http.Handler, r *http.Request) (*http.Response, string) {
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, r)
	res := rr.Result()
	body, _ := io.ReadAll(res.Body)
	return res, string(body)
}

func TestRegisterActivatesImmediately(t *testing.T) {
	origin := newTestOrigin()
	storage := cache.NewMemStorage()
	host := newTestHost(origin)

	if err := host.Register(context.Background(), newTestManager(t, storage, origin, "v1", testAssets)); err != nil {
		t.Fatal(err)
	}
	if gen := host.Generation(); gen != "v1" {
		t.Fatalf("Active generation is %q", gen)
	}
	if err := host.Register(context.Background(), newTestManager(t, storage, origin, "v2", testAssets)); err != nil {
		t.Fatal(err)
	}
	if gen := host.Generation(); gen != "v2" {
		t.Fatalf("Active generation is %q", gen)
	}
	if names, _ := storage.Keys(); len(names) != 1 || names[0] != "v2" {
		t.Fatalf("Stores are %v", names)
	}
}

func TestFailedInstallKeepsPreviousGeneration(t *testing.T) {
	origin := newTestOrigin()
	storage := cache.NewMemStorage()
	host := newTestHost(origin)
	if err := host.Register(context.Background(), newTestManager(t, storage, origin, "v1", testAssets)); err != nil {
		t.Fatal(err)
	}
	v1, _ := storage.Open("v1")
	keysBefore, _ := v1.Keys()

	broken := newTestManager(t, storage, origin, "v2", append(testAssets, "/static/gone.png"))
	err := host.Register(context.Background(), broken)
	if !errors.Is(err, ErrInstallFailed) {
		t.Fatalf("Error is %v", err)
	}
	if gen := host.Generation(); gen != "v1" {
		t.Fatalf("Active generation is %q", gen)
	}
	keysAfter, err := v1.Keys()
	if err != nil {
		t.Fatalf("Previous generation was touched: %v", err)
	}
	if len(keysAfter) != len(keysBefore) {
		t.Fatalf("Previous generation has %d entries, had %d", len(keysAfter), len(keysBefore))
	}
	if _, body := serve(host, request("/static/index.html")); body != "<html>app</html>" {
		t.Fatalf("Body is %s", body)
	}
}

func TestFirstInstallFailureLeavesNoWorker(t *testing.T) {
	origin := newTestOrigin()
	origin.setOffline(true)
	host := newTestHost(origin)
	err := host.Register(context.Background(), newTestManager(t, cache.NewMemStorage(), origin, "v1", testAssets))
	if err == nil {
		t.Fatal("No error")
	}
	if host.Active() != nil {
		t.Fatal("Worker active after failed install")
	}
}

func TestHostServesCacheFirst(t *testing.T) {
	origin := newTestOrigin()
	host := newTestHost(origin)
	host.Register(context.Background(), newTestManager(t, cache.NewMemStorage(), origin, "v1", testAssets))

	res, body := serve(host, request("/api/count"))
	if body != "Called 1 times" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=uri-miss; stored" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	res, body = serve(host, request("/api/count"))
	if body != "Called 1 times" {
		t.Fatalf("Second body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; hit" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestNonGetPassesThroughUnmodified(t *testing.T) {
	origin := newTestOrigin()
	storage := cache.NewMemStorage()
	host := newTestHost(origin)
	host.Register(context.Background(), newTestManager(t, storage, origin, "v1", testAssets))

	post := httptest.NewRequest("POST", "/form", strings.NewReader("name=thread"))
	res, body := serve(host, post)
	if body != "POST name=thread" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=method" {
		t.Fatalf("Cache-Status is %s", cs)
	}
	// a second post goes to the network again and nothing is stored
	serve(host, httptest.NewRequest("POST", "/form", strings.NewReader("name=thread")))
	if calls := origin.callCount("POST", "/form"); calls != 2 {
		t.Fatalf("Network called %d times", calls)
	}
	store, _ := storage.Open("v1")
	if _, ok, _ := store.Match("POST:/form"); ok {
		t.Fatal("POST response was stored")
	}
}

func TestHostWithoutWorkerPassesThrough(t *testing.T) {
	origin := newTestOrigin()
	host := newTestHost(origin)
	res, body := serve(host, request("/static/index.html"))
	if body != "<html>app</html>" {
		t.Fatalf("Body is %s", body)
	}
	if cs := res.Header.Get("Cache-Status"); cs != "Offline-Cache; fwd=bypass" {
		t.Fatalf("Cache-Status is %s", cs)
	}
}

func TestHostOfflineWithoutFallbackIs503(t *testing.T) {
	origin := newTestOrigin()
	host := newTestHost(origin)
	host.Register(context.Background(), newTestManager(t, cache.NewMemStorage(), origin, "v1", testAssets))
	origin.setOffline(true)

	res, _ := serve(host, request("/api/data", "Sec-Fetch-Dest", "empty"))
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("Status is %d", res.StatusCode)
	}
	res, body := serve(host, request("/deep/link", "Sec-Fetch-Dest", "document"))
	if res.StatusCode != http.StatusOK || body != "<html>app</html>" {
		t.Fatalf("Navigation got %d %s", res.StatusCode, body)
	}
}

func TestHostPassthroughNetworkErrorIs502(t *testing.T) {
	origin := newTestOrigin()
	origin.setOffline(true)
	host := newTestHost(origin)
	res, _ := serve(host, httptest.NewRequest("POST", "/form", nil))
	if res.StatusCode != http.StatusBadGateway {
		t.Fatalf("Status is %d", res.StatusCode)
	}
}

func TestResumeActivatesWithoutInstall(t *testing.T) {
	origin := newTestOrigin()
	storage := cache.NewMemStorage()
	installed(t, storage, origin, "v1")
	storage.Open("v0")

	origin.setOffline(true)
	host := newTestHost(origin)
	if err := host.Resume(context.Background(), newTestManager(t, storage, origin, "v1", testAssets)); err != nil {
		t.Fatal(err)
	}
	if gen := host.Generation(); gen != "v1" {
		t.Fatalf("Active generation is %q", gen)
	}
	if names, _ := storage.Keys(); len(names) != 1 || names[0] != "v1" {
		t.Fatalf("Stores are %v", names)
	}
	if _, body := serve(host, request("/static/index.html")); body != "<html>app</html>" {
		t.Fatalf("Body is %s", body)
	}
}
