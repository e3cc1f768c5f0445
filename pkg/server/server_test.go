package server

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/elonfeng/listingwatch/internal/store"
	"github.com/elonfeng/listingwatch/pkg/lifecycle"
	"github.com/elonfeng/listingwatch/pkg/metrics"
	"github.com/elonfeng/listingwatch/pkg/rules"
	"github.com/elonfeng/listingwatch/pkg/source"
	"github.com/gin-gonic/gin"
)

var week = time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)

func init() {
	gin.SetMode(gin.TestMode)
}

func newServer(t *testing.T) (*Server, *store.SQLStore) {
	t.Helper()
	s, err := store.New("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()
	for _, a := range []store.Alert{
		{ListingID: "1001", AlertDate: week, Score: 200, Level: rules.Critical, Issues: []string{"x"}},
		{ListingID: "3003", AlertDate: week, Score: 100, Level: rules.Critical},
		{ListingID: "4004", AlertDate: week, Score: 75, Level: rules.High},
		{ListingID: "5005", AlertDate: week, Score: 25, Level: rules.Low},
	} {
		a := a
		if err := s.UpsertAlert(ctx, &a); err != nil {
			t.Fatalf("UpsertAlert: %v", err)
		}
	}
	return New(s, lifecycle.New(s, log), 0, log), s
}

func do(t *testing.T, srv *Server, method, path, body string) (*httptest.ResponseRecorder, map[string]json.RawMessage) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)

	var out map[string]json.RawMessage
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("%s %s: decode %q: %v", method, path, w.Body.String(), err)
	}
	return w, out
}

func TestHealth(t *testing.T) {
	srv, _ := newServer(t)
	w, out := do(t, srv, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK || string(out["status"]) != `"ok"` {
		t.Errorf("health = %d %s", w.Code, w.Body.String())
	}
}

func TestListAlerts(t *testing.T) {
	srv, _ := newServer(t)

	tests := []struct {
		name  string
		query string
		want  []string
		code  int
	}{
		{"all open", "", []string{"1001", "3003", "4004", "5005"}, http.StatusOK},
		{"floor high", "?min_severity=high", []string{"1001", "3003", "4004"}, http.StatusOK},
		{"limit", "?limit=2", []string{"1001", "3003"}, http.StatusOK},
		{"listing", "?listing=4004", []string{"4004"}, http.StatusOK},
		{"bad severity", "?min_severity=urgent", nil, http.StatusBadRequest},
		{"bad limit", "?limit=-3", nil, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, out := do(t, srv, http.MethodGet, "/api/v1/alerts"+tt.query, "")
			if w.Code != tt.code {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tt.code, w.Body.String())
			}
			if tt.code != http.StatusOK {
				return
			}
			var alerts []store.Alert
			if err := json.Unmarshal(out["data"], &alerts); err != nil {
				t.Fatalf("decode data: %v", err)
			}
			var got []string
			for _, a := range alerts {
				got = append(got, a.ListingID)
			}
			if strings.Join(got, ",") != strings.Join(tt.want, ",") {
				t.Errorf("listings = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestGetAlert(t *testing.T) {
	srv, _ := newServer(t)

	w, out := do(t, srv, http.MethodGet, "/api/v1/alerts/1001/2025-03-03", "")
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d", w.Code)
	}
	var a store.Alert
	json.Unmarshal(out["data"], &a)
	if a.Score != 200 || a.Level != rules.Critical {
		t.Errorf("alert = %+v", a)
	}

	if w, _ := do(t, srv, http.MethodGet, "/api/v1/alerts/9999/2025-03-03", ""); w.Code != http.StatusNotFound {
		t.Errorf("missing alert code = %d", w.Code)
	}
	if w, _ := do(t, srv, http.MethodGet, "/api/v1/alerts/1001/March", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad date code = %d", w.Code)
	}
}

func TestResolveAlert(t *testing.T) {
	srv, _ := newServer(t)

	w, out := do(t, srv, http.MethodPost, "/api/v1/alerts/1001/2025-03-03/resolve", `{"note":"calendar fixed"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", w.Code, w.Body.String())
	}
	var a store.Alert
	json.Unmarshal(out["data"], &a)
	if !a.Resolved || a.ResolvedNotes != "calendar fixed" {
		t.Errorf("alert = %+v", a)
	}

	if w, _ := do(t, srv, http.MethodPost, "/api/v1/alerts/1001/2025-03-03/resolve", ""); w.Code != http.StatusNotFound {
		t.Errorf("second resolve code = %d, want 404", w.Code)
	}

	_, out = do(t, srv, http.MethodGet, "/api/v1/alerts", "")
	if string(out["count"]) != "3" {
		t.Errorf("open count = %s, want 3", out["count"])
	}
}

func TestResolveAlertChunkedBody(t *testing.T) {
	srv, s := newServer(t)

	// A reader of unknown length makes the request chunked (ContentLength -1).
	body := io.MultiReader(strings.NewReader(`{"note":"relisted"}`))
	req := httptest.NewRequest(http.MethodPost, "/api/v1/alerts/4004/2025-03-03/resolve", body)
	req.Header.Set("Content-Type", "application/json")
	if req.ContentLength != -1 {
		t.Fatalf("ContentLength = %d, want -1", req.ContentLength)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code = %d (%s)", w.Code, w.Body.String())
	}

	a, err := s.GetAlert(context.Background(), "4004", week)
	if err != nil {
		t.Fatalf("GetAlert: %v", err)
	}
	if !a.Resolved || a.ResolvedNotes != "relisted" {
		t.Errorf("alert = resolved %v notes %q", a.Resolved, a.ResolvedNotes)
	}

	// An empty chunked body still resolves, without a note.
	req = httptest.NewRequest(http.MethodPost, "/api/v1/alerts/5005/2025-03-03/resolve", io.MultiReader())
	w = httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("empty body code = %d (%s)", w.Code, w.Body.String())
	}
}

func TestListingMetrics(t *testing.T) {
	srv, s := newServer(t)
	ctx := context.Background()

	if w, _ := do(t, srv, http.MethodGet, "/api/v1/listings/1001/metrics", ""); w.Code != http.StatusNotFound {
		t.Errorf("no data code = %d", w.Code)
	}

	r := source.Record{ListingID: "1001", WeekStart: week, Appearances: 829, Views: 5, Source: source.TagAirbnb}
	r.Normalize()
	s.UpsertPerformance(ctx, &r)
	d := metrics.Compute(r, nil, 4)
	if err := s.UpsertMetrics(ctx, &d); err != nil {
		t.Fatalf("UpsertMetrics: %v", err)
	}

	for _, path := range []string{"/api/v1/listings/1001/metrics", "/api/v1/listings/1001/metrics?week=2025-03-03"} {
		w, out := do(t, srv, http.MethodGet, path, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s code = %d", path, w.Code)
		}
		var got metrics.Derived
		if err := json.Unmarshal(out["data"], &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Current.Appearances != 829 || got.Current.ConversionRate.Float() != 0 {
			t.Errorf("%s metrics = %+v", path, got)
		}
	}

	if w, _ := do(t, srv, http.MethodGet, "/api/v1/listings/1001/metrics?week=03/03/2025", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad week code = %d", w.Code)
	}
}

func TestHistory(t *testing.T) {
	srv, s := newServer(t)
	s.UpsertSummary(context.Background(), &store.HistorySummary{ListingID: "1001", Month: "2025-03", TotalAlerts: 1, CriticalCount: 1, AvgScore: 200})

	w, out := do(t, srv, http.MethodGet, "/api/v1/history?month=2025-03", "")
	if w.Code != http.StatusOK || string(out["count"]) != "1" {
		t.Errorf("history = %d %s", w.Code, w.Body.String())
	}
	if w, _ := do(t, srv, http.MethodGet, "/api/v1/history?month=March", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad month code = %d", w.Code)
	}
}
