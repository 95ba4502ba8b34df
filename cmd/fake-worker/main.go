// ABOUTME: Minimal fake worker agent for E2E testing. Answers heartbeat probes over HTTP.
// ABOUTME: Usage: fake-worker [-addr localhost:7001] [-flaky 0.0] [-die-after 0s]

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"
)

func main() {
	addr := flag.String("addr", "localhost:7001", "HTTP listen address")
	flaky := flag.Float64("flaky", 0, "probability [0,1] of failing a heartbeat")
	dieAfter := flag.Duration("die-after", 0, "exit after this duration (0 = run forever)")
	flag.Parse()

	if err := run(*addr, *flaky, *dieAfter); err != nil {
		log.Fatal(err)
	}
}

func run(addr string, flaky float64, dieAfter time.Duration) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RequestType string `json:"request_type"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.RequestType != "heartbeat" {
			http.Error(w, "expected heartbeat request", http.StatusBadRequest)
			return
		}

		if flaky > 0 && rand.Float64() < flaky {
			log.Printf("dropping heartbeat (flaky=%.2f)", flaky)
			http.Error(w, "simulated failure", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	})

	server := &http.Server{Addr: addr, Handler: mux}

	if dieAfter > 0 {
		go func() {
			time.Sleep(dieAfter)
			log.Printf("die-after %s elapsed, exiting", dieAfter)
			os.Exit(1)
		}()
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer shutdownCancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	fmt.Fprintf(os.Stderr, "fake-worker listening on %s\n", addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serving: %w", err)
	}
	return nil
}
