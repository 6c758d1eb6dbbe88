package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandleAudit(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		status int
	}{
		{name: "event", body: `{"version":"1","request_id":"r-1","kind":"extract","outcome":"ok","source":"http","latency_ms":1.5}`, status: http.StatusOK},
		{name: "garbage", body: `not json`, status: http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/audit", strings.NewReader(tc.body))
			rr := httptest.NewRecorder()
			handleAudit(rr, req)
			if rr.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, rr.Code)
			}
		})
	}
}
