package control

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/navraksha/relay/internal/app"
	"github.com/navraksha/relay/pkg/cache"
	"github.com/navraksha/relay/pkg/connectivity"
	"github.com/navraksha/relay/pkg/store/sqlstore"
	"github.com/navraksha/relay/pkg/syncer"
)

// remote is a scriptable stand-in for the safety service.
type remote struct {
	mu    sync.Mutex
	paths []string
	fail  atomic.Bool
	srv   *httptest.Server
}

func newRemote(t *testing.T) *remote {
	t.Helper()
	rm := &remote{}
	rm.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rm.mu.Lock()
		rm.paths = append(rm.paths, r.URL.Path)
		rm.mu.Unlock()
		if rm.fail.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(rm.srv.Close)
	return rm
}

func (rm *remote) calls(path string) int {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	n := 0
	for _, p := range rm.paths {
		if p == path {
			n++
		}
	}
	return n
}

func newTestAPI(t *testing.T, name string, initial connectivity.State, rm *remote) *httptest.Server {
	t.Helper()
	ctx := context.Background()

	st, err := sqlstore.Open(ctx, "sqlite:file:"+name+"?mode=memory&cache=shared&_pragma=busy_timeout(5000)")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if err := st.Migrate(ctx); err != nil {
		t.Fatal(err)
	}

	cs, err := cache.OpenStore(filepath.Join(t.TempDir(), "cache.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = cs.Close() })
	cacheEng := cache.NewEngine(cs, cache.NewHTTPFetcher(time.Second),
		cache.NewClassifier([]string{"/index.html"}), rm.srv.URL+"/index.html")

	mon := connectivity.NewMonitor(initial)
	syncEng := syncer.NewEngine(st, syncer.NewHTTPDeliverer(rm.srv.URL, time.Second), mon.Online)
	pl := app.New(st, cacheEng, syncEng, mon)

	api := httptest.NewServer(New(pl).Mux())
	t.Cleanup(api.Close)
	return api
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Post(url, "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	res, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer res.Body.Close()
	var out map[string]any
	_ = json.NewDecoder(res.Body).Decode(&out)
	return res, out
}

func emergencyBody(id string) string {
	return fmt.Sprintf(`{"id":%q,"lat":12.97,"lng":77.59,"automatic":false,"timestamp":"2026-08-30T10:00:00Z"}`, id)
}

func TestEmergencyOfflineQueuesThenOnlineDrains(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrloffline", connectivity.Offline, rm)

	res, rcpt := postJSON(t, api.URL+"/v1/emergency", emergencyBody("EMG_1"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if rcpt["status"] != "queued" {
		t.Fatalf("receipt=%v want queued while offline", rcpt)
	}
	if rm.calls("/api/emergency/sync") != 0 {
		t.Fatal("no delivery should happen offline")
	}

	_, queue := getJSON(t, api.URL+"/v1/queue")
	if n := len(queue["queue"].([]any)); n != 1 {
		t.Fatalf("queue=%d want 1", n)
	}

	res, sig := postJSON(t, api.URL+"/v1/connectivity", `{"online":true}`)
	if res.StatusCode != http.StatusOK || sig["transitioned"] != true {
		t.Fatalf("signal res=%d %v", res.StatusCode, sig)
	}

	_, queue = getJSON(t, api.URL+"/v1/queue")
	if n := len(queue["queue"].([]any)); n != 0 {
		t.Fatalf("queue=%d want 0 after online transition", n)
	}
	if rm.calls("/api/emergency/sync") != 1 {
		t.Fatalf("deliveries=%d want 1", rm.calls("/api/emergency/sync"))
	}
}

func TestEmergencyOnlineDeliversImmediately(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlonline", connectivity.Online, rm)

	_, rcpt := postJSON(t, api.URL+"/v1/emergency", emergencyBody("EMG_2"))
	if rcpt["status"] != "delivered" {
		t.Fatalf("receipt=%v want delivered", rcpt)
	}
	if rm.calls("/api/emergency/sync") != 1 {
		t.Fatalf("deliveries=%d want 1", rm.calls("/api/emergency/sync"))
	}
}

func TestInvalidPayloadRejected(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlinvalid", connectivity.Online, rm)

	res, body := postJSON(t, api.URL+"/v1/hazards", `{"type":"flood"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
	if body["error"] == nil {
		t.Fatalf("body=%v want error envelope", body)
	}
	if rm.calls("/api/hazards/sync") != 0 {
		t.Fatal("invalid payload must not reach the remote")
	}
}

func TestHazardFailureStaysQueuedUntilManualSync(t *testing.T) {
	rm := newRemote(t)
	rm.fail.Store(true)
	api := newTestAPI(t, "ctrlhazard", connectivity.Online, rm)

	body := `{"type":"pothole","severity":"medium","lat":12.9,"lng":77.5,"timestamp":"2026-08-30T10:00:00Z"}`
	_, rcpt := postJSON(t, api.URL+"/v1/hazards", body)
	if rcpt["status"] != "queued" {
		t.Fatalf("receipt=%v want queued after remote failure", rcpt)
	}

	rm.fail.Store(false)
	_, rep := postJSON(t, api.URL+"/v1/sync", `{}`)
	if rep["delivered"] != float64(1) {
		t.Fatalf("report=%v want 1 delivered", rep)
	}

	_, queue := getJSON(t, api.URL+"/v1/queue")
	if n := len(queue["queue"].([]any)); n != 0 {
		t.Fatalf("queue=%d want 0 after retry", n)
	}
}

func TestLocationSeedsOfflineCache(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrllocation", connectivity.Online, rm)

	_, _ = postJSON(t, api.URL+"/v1/location", `{"lat":12.97,"lng":77.59,"accuracy":5,"timestamp":"2026-08-30T10:00:00Z"}`)

	_, status := postJSON(t, api.URL+"/v1/messages", `{"type":"GET_CACHE_STATUS"}`)
	if status["dynamic"] != float64(1) {
		t.Fatalf("status=%v want 1 dynamic entry", status)
	}
}

func TestControlMessages(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlmessages", connectivity.Offline, rm)

	// CACHE_LOCATION seeds the dynamic region.
	res, _ := postJSON(t, api.URL+"/v1/messages",
		`{"type":"CACHE_LOCATION","data":{"lat":1,"lng":2}}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("CACHE_LOCATION status=%d", res.StatusCode)
	}

	// QUEUE_EMERGENCY enqueues while offline.
	res, rcpt := postJSON(t, api.URL+"/v1/messages",
		`{"type":"QUEUE_EMERGENCY","data":`+emergencyBody("EMG_3")+`}`)
	if res.StatusCode != http.StatusAccepted || rcpt["status"] != "queued" {
		t.Fatalf("QUEUE_EMERGENCY res=%d %v", res.StatusCode, rcpt)
	}

	// GET_CACHE_STATUS reports per-region counts.
	_, status := postJSON(t, api.URL+"/v1/messages", `{"type":"GET_CACHE_STATUS"}`)
	if status["dynamic"] != float64(1) {
		t.Fatalf("status=%v", status)
	}

	// SKIP_WAITING with nothing staged is a no-op.
	res, _ = postJSON(t, api.URL+"/v1/messages", `{"type":"SKIP_WAITING"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("SKIP_WAITING status=%d", res.StatusCode)
	}

	// Unknown messages are rejected.
	res, _ = postJSON(t, api.URL+"/v1/messages", `{"type":"REBOOT"}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("unknown message status=%d", res.StatusCode)
	}
}

func TestProfileRoundTrip(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlprofile", connectivity.Offline, rm)

	res, _ := getJSON(t, api.URL+"/v1/profile")
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status=%d want 404 before save", res.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPut, api.URL+"/v1/profile",
		bytes.NewBufferString(`{"name":"asha","phone":"112"}`))
	if err != nil {
		t.Fatal(err)
	}
	res2, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	res2.Body.Close()
	if res2.StatusCode != http.StatusOK {
		t.Fatalf("put status=%d", res2.StatusCode)
	}

	res, body := getJSON(t, api.URL+"/v1/profile")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	payload := body["payload"].(map[string]any)
	if payload["name"] != "asha" {
		t.Fatalf("payload=%v", payload)
	}
}

func TestHazardListReturnsRecords(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlhazlist", connectivity.Offline, rm)

	body := `{"type":"flood","severity":"high","lat":12.9,"lng":77.5,"timestamp":"2026-08-30T10:00:00Z"}`
	if res, _ := postJSON(t, api.URL+"/v1/hazards", body); res.StatusCode != http.StatusAccepted {
		t.Fatalf("post status=%d", res.StatusCode)
	}

	_, out := getJSON(t, api.URL+"/v1/hazards")
	if n := len(out["hazards"].([]any)); n != 1 {
		t.Fatalf("hazards=%d want 1", n)
	}
}

func TestFetchServesCachedCopyWhenRemoteFails(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlfetch", connectivity.Online, rm)
	asset := rm.srv.URL + "/app.js"

	res, _ := getJSON(t, api.URL+"/v1/fetch?url="+url.QueryEscape(asset))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", res.StatusCode)
	}
	if src := res.Header.Get("X-Cache-Source"); src != "network" {
		t.Fatalf("source=%q want network on first load", src)
	}

	rm.fail.Store(true)
	res, _ = getJSON(t, api.URL+"/v1/fetch?url="+url.QueryEscape(asset))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status=%d after remote failure", res.StatusCode)
	}
	if src := res.Header.Get("X-Cache-Source"); src != "cache" {
		t.Fatalf("source=%q want cache after remote failure", src)
	}
}

func TestFetchAPIMissReturnsStructuredOfflineError(t *testing.T) {
	rm := newRemote(t)
	rm.fail.Store(true)
	api := newTestAPI(t, "ctrlfetchapi", connectivity.Offline, rm)

	res, body := getJSON(t, api.URL+"/v1/fetch?url="+url.QueryEscape(rm.srv.URL+"/api/status"))
	if res.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("status=%d want 503", res.StatusCode)
	}
	if body["offline"] != true {
		t.Fatalf("body=%v want structured offline payload", body)
	}
}

func TestFetchRequiresURL(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlfetchnourl", connectivity.Online, rm)

	res, _ := getJSON(t, api.URL+"/v1/fetch")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestInstallStaticMessageEnablesSkipWaiting(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlinstall", connectivity.Online, rm)
	asset := rm.srv.URL + "/shell/index.html"

	msg := fmt.Sprintf(`{"type":"INSTALL_STATIC","data":{"version":"v2","urls":[%q]}}`, asset)
	res, staged := postJSON(t, api.URL+"/v1/messages", msg)
	if res.StatusCode != http.StatusOK || staged["staged"] != "v2" {
		t.Fatalf("INSTALL_STATIC res=%d %v", res.StatusCode, staged)
	}

	res, _ = postJSON(t, api.URL+"/v1/messages", `{"type":"SKIP_WAITING"}`)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("SKIP_WAITING status=%d", res.StatusCode)
	}

	_, status := postJSON(t, api.URL+"/v1/messages", `{"type":"GET_CACHE_STATUS"}`)
	if status["static"] != float64(1) {
		t.Fatalf("status=%v want 1 static entry", status)
	}

	// The installed asset keeps serving after the remote goes away.
	rm.fail.Store(true)
	fres, _ := getJSON(t, api.URL+"/v1/fetch?url="+url.QueryEscape(asset))
	if fres.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", fres.StatusCode)
	}
	if src := fres.Header.Get("X-Cache-Source"); src != "cache" {
		t.Fatalf("source=%q want cache", src)
	}
}

func TestInstallStaticMessageRequiresVersionAndURLs(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlinstallbad", connectivity.Online, rm)

	res, _ := postJSON(t, api.URL+"/v1/messages", `{"type":"INSTALL_STATIC","data":{"version":"v2"}}`)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
}

func TestOversizedBodyRejected(t *testing.T) {
	rm := newRemote(t)
	api := newTestAPI(t, "ctrlbigbody", connectivity.Offline, rm)

	big := `{"pad":"` + strings.Repeat("a", 1<<20) + `"}`
	res, body := postJSON(t, api.URL+"/v1/emergency", big)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d want 400", res.StatusCode)
	}
	if body["error"] == nil {
		t.Fatalf("body=%v want error envelope", body)
	}
	if rm.calls("/api/emergency/sync") != 0 {
		t.Fatal("oversized body must not reach the remote")
	}
}
