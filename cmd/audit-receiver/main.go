package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/safeharbour/harbour/internal/audit"
)

func main() {
	addr := flag.String("addr", ":8099", "listen address for audit receiver")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/audit", handleAudit)
	mux.HandleFunc("/", handleAudit)

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Printf("audit receiver listening on %s (POST JSON to /audit)...", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("receiver error: %v", err)
	}
}

func handleAudit(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()

	var ev audit.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		log.Printf("received non-event payload: path=%s content-type=%s len=%d err=%v", r.URL.Path, r.Header.Get("Content-Type"), len(body), err)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = fmt.Fprintln(w, `{"status":"invalid"}`)
		return
	}

	log.Printf("received audit event: request_id=%s kind=%s outcome=%s source=%s latency_ms=%.2f len=%d",
		ev.RequestID, ev.Kind, ev.Outcome, ev.Source, ev.LatencyMs, len(body))

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintln(w, `{"status":"ok"}`)
}
