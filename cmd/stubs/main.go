package main

import (
	"flag"
	"log"
	"net/http"
	"time"

	"github.com/tradeterm/marketdata/internal/stubs"
)

func main() {
	var addr string
	var intervalMs int
	flag.StringVar(&addr, "addr", "127.0.0.1:8091", "listen address")
	flag.IntVar(&intervalMs, "interval-ms", 250, "push interval")
	flag.Parse()

	ms := stubs.NewMarketServer(stubs.Config{
		PushInterval: time.Duration(intervalMs) * time.Millisecond,
	})

	log.Printf("stub provider listening on %s", addr)
	if err := http.ListenAndServe(addr, ms.Handler()); err != nil {
		log.Fatalf("stub server error: %v", err)
	}
}
