package httpapi

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/tbourn/slot-hunter/internal/config"
	"github.com/tbourn/slot-hunter/internal/domain"
	"github.com/tbourn/slot-hunter/internal/http/handlers"
	"github.com/tbourn/slot-hunter/internal/repo"
	"github.com/tbourn/slot-hunter/internal/services"
)

func testConfig() config.Config {
	return config.Config{
		Ops:  config.OpsConfig{Enabled: true, Addr: "127.0.0.1:0", GinMode: gin.TestMode, RateRPS: 1000, RateBurst: 1000},
		OTEL: config.OTELConfig{ServiceName: "slot-hunter-test"},
	}
}

func newTestEngine(t *testing.T, cfg config.Config) (*gin.Engine, *repo.FileStore) {
	t.Helper()
	store := repo.NewFileStore(filepath.Join(t.TempDir(), "seen.json"))
	seed := []domain.Slot{
		{DateTimeFrom: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC), DoctorID: 1, DoctorName: "Dr.Smith", ClinicID: 10, ClinicName: "ClinicA", ServiceID: 1},
		{DateTimeFrom: time.Date(2024, 6, 2, 11, 0, 0, 0, time.UTC), DoctorID: 2, DoctorName: "Dr.Jones", ClinicID: 20, ClinicName: "ClinicB", ServiceID: 1},
	}
	if err := store.Save(context.Background(), seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	factory := func(context.Context) (services.Fetcher, error) { return nil, nil }
	p, err := services.NewPoller(services.PollerConfig{Interval: time.Minute}, store, nil, factory, services.WithLogger(zerolog.Nop()))
	if err != nil {
		t.Fatalf("NewPoller: %v", err)
	}
	return NewEngine(handlers.New(p, store), cfg), store
}

func serve(r http.Handler, method, target string, hdr map[string]string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(method, target, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterRoutes_Endpoints(t *testing.T) {
	r, _ := newTestEngine(t, testConfig())

	w := serve(r, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK || w.Header().Get("X-Request-ID") == "" {
		t.Fatalf("GET /health = %d, headers %v", w.Code, w.Header())
	}
	if w.Header().Get("Cache-Control") != "no-store" || w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Fatalf("security headers missing: %v", w.Header())
	}

	if w := serve(r, http.MethodGet, "/ready", nil); w.Code != http.StatusOK {
		t.Fatalf("GET /ready = %d", w.Code)
	}

	w = serve(r, http.MethodGet, APIBase+"/status", nil)
	var st services.Status
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil || st.State != "idle" {
		t.Fatalf("GET /status = %d %s (%v)", w.Code, w.Body.String(), err)
	}

	w = serve(r, http.MethodGet, APIBase+"/slots?page=2&page_size=1", nil)
	var page handlers.SlotPage
	if err := json.Unmarshal(w.Body.Bytes(), &page); err != nil {
		t.Fatalf("json: %v", err)
	}
	if page.Total != 2 || len(page.Items) != 1 || page.Items[0].DoctorName != "Dr.Jones" {
		t.Fatalf("unexpected page %+v", page)
	}
}

func TestRegisterRoutes_MetricsExposesPollerAndHTTPSeries(t *testing.T) {
	r, _ := newTestEngine(t, testConfig())
	_ = serve(r, http.MethodGet, "/health", nil)

	w := serve(r, http.MethodGet, "/metrics", map[string]string{"Accept-Encoding": "gzip"})
	if w.Code != http.StatusOK {
		t.Fatalf("GET /metrics = %d", w.Code)
	}
	body := w.Body.String()
	if w.Header().Get("Content-Encoding") == "gzip" {
		zr, err := gzip.NewReader(w.Body)
		if err != nil {
			t.Fatalf("gzip: %v", err)
		}
		b, _ := io.ReadAll(zr)
		body = string(b)
	}
	if !strings.Contains(body, "slothunter_ops_http_requests_total") {
		t.Fatalf("ops http metrics missing")
	}
}

func TestRegisterRoutes_SwaggerDocument(t *testing.T) {
	r, _ := newTestEngine(t, testConfig())

	w := serve(r, http.MethodGet, "/swagger/doc.json", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /swagger/doc.json = %d", w.Code)
	}
	var doc struct {
		Swagger string                     `json:"swagger"`
		Paths   map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("doc.json: %v\n%s", err, w.Body.String())
	}
	if doc.Swagger != "2.0" {
		t.Fatalf("swagger version = %q", doc.Swagger)
	}
	for _, path := range []string{"/health", "/ready", APIBase + "/status", APIBase + "/slots"} {
		if _, ok := doc.Paths[path]; !ok {
			t.Fatalf("document is missing %s: %v", path, doc.Paths)
		}
	}

	w = serve(r, http.MethodGet, "/swagger/index.html", nil)
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "swagger-ui") {
		t.Fatalf("GET /swagger/index.html = %d", w.Code)
	}
}

func TestRegisterRoutes_GzipJSON(t *testing.T) {
	r, _ := newTestEngine(t, testConfig())
	w := serve(r, http.MethodGet, APIBase+"/slots", map[string]string{"Accept-Encoding": "gzip"})
	if w.Header().Get("Content-Encoding") != "gzip" {
		t.Fatalf("expected gzip response, headers %v", w.Header())
	}
	zr, err := gzip.NewReader(w.Body)
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	var page handlers.SlotPage
	if err := json.NewDecoder(zr).Decode(&page); err != nil || page.Total != 2 {
		t.Fatalf("decode: %v %+v", err, page)
	}
}

func TestRegisterRoutes_Fallbacks(t *testing.T) {
	r, _ := newTestEngine(t, testConfig())

	w := serve(r, http.MethodGet, "/nope", nil)
	var er handlers.ErrorResponse
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if w.Code != http.StatusNotFound || er.Code != handlers.ErrCodeNotFound || er.RequestID == "" {
		t.Fatalf("404 fallback: %d %+v", w.Code, er)
	}

	w = serve(r, http.MethodPost, APIBase+"/slots", nil)
	_ = json.Unmarshal(w.Body.Bytes(), &er)
	if w.Code != http.StatusMethodNotAllowed || er.Code != handlers.ErrCodeMethodNotAllowed {
		t.Fatalf("405 fallback: %d %+v", w.Code, er)
	}
}

func TestRegisterRoutes_RateLimited(t *testing.T) {
	cfg := testConfig()
	cfg.Ops.RateRPS = 0.001
	cfg.Ops.RateBurst = 1
	r, _ := newTestEngine(t, cfg)

	if w := serve(r, http.MethodGet, "/health", nil); w.Code != http.StatusOK {
		t.Fatalf("first request = %d", w.Code)
	}
	if w := serve(r, http.MethodGet, "/health", nil); w.Code != http.StatusTooManyRequests {
		t.Fatalf("second request = %d; want 429", w.Code)
	}
}

func TestNewServer(t *testing.T) {
	srv := NewServer(config.OpsConfig{Addr: "127.0.0.1:9464"}, http.NewServeMux())
	if srv.Addr != "127.0.0.1:9464" || srv.ReadHeaderTimeout == 0 || srv.Handler == nil {
		t.Fatalf("unexpected server %+v", srv)
	}
}
