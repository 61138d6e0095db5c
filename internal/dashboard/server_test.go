package dashboard

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"marketpipe/config"
	"marketpipe/internal/monitor"
	"marketpipe/internal/storage"
)

func TestDisabledServerIsNil(t *testing.T) {
	s := NewServer(config.DashboardConfig{Enabled: false}, nil, nil, nil, nil)
	if s != nil {
		t.Fatal("disabled dashboard must be nil")
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, nil, nil, nil, nil)
	router := s.buildRouter("marketpipe-test")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
}

func TestStatusReportsWorstSeverity(t *testing.T) {
	store := storage.NewMemory()
	store.Insert(context.Background(), storage.TierHot, "trades", storage.Row{
		NaturalKey: "k1",
		Exchange:   "binance",
		Symbol:     "BTCUSDT",
		Timestamp:  time.Now().UTC().Add(-time.Hour),
		Payload:    []byte(`{}`),
	})
	mon := monitor.New(store, config.MonitorConfig{StalenessSeconds: 300}, nil)
	mon.RunChecks(context.Background())

	s := NewServer(config.DashboardConfig{Enabled: true, Address: ":0"}, nil, nil, nil, mon)
	router := s.buildRouter("marketpipe-test")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var payload map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload["data_quality"] != string(monitor.SeverityWarning) {
		t.Fatalf("data_quality = %v", payload["data_quality"])
	}

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/findings", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("findings status = %d", w.Code)
	}
}

func TestNormalizeAddress(t *testing.T) {
	cases := map[string]string{
		"":              "0.0.0.0:8080",
		":9090":         "0.0.0.0:9090",
		"localhost":     "localhost:8080",
		"127.0.0.1:818": "127.0.0.1:818",
	}
	for in, want := range cases {
		if got := normalizeAddress(in); got != want {
			t.Fatalf("normalizeAddress(%q) = %q, want %q", in, got, want)
		}
	}
}
