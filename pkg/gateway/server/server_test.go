package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-live-bridge/pkg/core/realtime/realtimetest"
	"github.com/vango-go/vai-live-bridge/pkg/gateway/config"
)

func testConfig() config.Config {
	return config.Config{
		CORSAllowedOrigins:     map[string]struct{}{},
		WSPingInterval:         time.Hour,
		WSWriteTimeout:         time.Second,
		WSReadIdleTimeout:      time.Hour,
		HandlerTimeout:         time.Second,
		AccumulatorIdleTimeout: time.Hour,
		TeardownTimeout:        time.Second,
		ListingsTimeout:        time.Second,
	}
}

func TestServer_UnknownRoute_ReturnsJSON404(t *testing.T) {
	s := New(testConfig(), nil, Dependencies{})

	rr := httptest.NewRecorder()
	s.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/does-not-exist", nil))

	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d body=%q", rr.Code, rr.Body.String())
	}
	if ct := rr.Header().Get("Content-Type"); !strings.Contains(ct, "application/json") {
		t.Fatalf("content-type=%q", ct)
	}
	if !strings.Contains(rr.Body.String(), `"code":"not_found"`) || rr.Header().Get("X-Request-ID") == "" {
		t.Fatalf("unexpected response: %q", rr.Body.String())
	}
}

func TestServer_HealthAndReady(t *testing.T) {
	s := New(testConfig(), nil, Dependencies{})
	h := s.Handler()

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("healthz status=%d", rr.Code)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("readyz status=%d body=%q", rr.Code, rr.Body.String())
	}

	s.SetDraining()
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	var resp map[string]any
	_ = json.Unmarshal(rr.Body.Bytes(), &resp)
	if rr.Code != http.StatusServiceUnavailable || resp["draining"] != true {
		t.Fatalf("status=%d resp=%v", rr.Code, resp)
	}
}

func TestServer_DrainWarnsThenCancelsLiveSessions(t *testing.T) {
	up := realtimetest.NewSession()
	s := New(testConfig(), nil, Dependencies{Connector: &realtimetest.Connector{Session: up}})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/v1/live", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	read := func() map[string]any {
		t.Helper()
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		var frame map[string]any
		if err := conn.ReadJSON(&frame); err != nil {
			t.Fatalf("read: %v", err)
		}
		return frame
	}
	if f := read(); f["type"] != "connected" {
		t.Fatalf("frame=%v", f)
	}
	if s.LiveSessionCount() != 1 {
		t.Fatalf("live sessions=%d", s.LiveSessionCount())
	}

	s.SetDraining()
	if n := s.WarnLiveSessionsDraining(); n != 1 {
		t.Fatalf("warned=%d", n)
	}
	if f := read(); f["type"] != "warning-delta" {
		t.Fatalf("frame=%v", f)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if s.WaitLiveSessions(ctx) {
		t.Fatal("session should still be running")
	}
	if n := s.CancelLiveSessions(); n != 1 {
		t.Fatalf("cancelled=%d", n)
	}
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer waitCancel()
	if !s.WaitLiveSessions(waitCtx) {
		t.Fatal("cancelled session did not finish")
	}
	if up.Closes() != 1 {
		t.Fatalf("upstream closes=%d", up.Closes())
	}
}
