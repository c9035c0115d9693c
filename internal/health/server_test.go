package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestServer_Health(t *testing.T) {
	tests := []struct {
		name     string
		checks   []ServiceCheck
		wantCode int
	}{
		{"ready", []ServiceCheck{{Name: "store", Probe: okProbe, Critical: true}}, http.StatusOK},
		{"degraded is still ok", []ServiceCheck{
			{Name: "store", Probe: okProbe, Critical: true},
			{Name: "cache", Probe: failProbe},
		}, http.StatusOK},
		{"critical failure", []ServiceCheck{{Name: "store", Probe: failProbe, Critical: true}}, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewMonitor(tt.checks), 0)
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

			if rec.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", rec.Code, tt.wantCode)
			}
		})
	}
}

func TestServer_Detailed(t *testing.T) {
	s := NewServer(NewMonitor([]ServiceCheck{
		{Name: "store", Probe: okProbe, Critical: true},
		{Name: "cache", Probe: failProbe},
	}), 0)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/detailed", nil).WithContext(context.Background()))

	var report Report
	if err := json.NewDecoder(rec.Body).Decode(&report); err != nil {
		t.Fatal(err)
	}
	if report.Status != "degraded" || len(report.Services) != 2 {
		t.Errorf("unexpected report %+v", report)
	}
}
