package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/nats-io/nats.go"
	"github.com/sentinelops/secops-engine/internal/config"
	"github.com/sentinelops/secops-engine/internal/ingestion"
	"github.com/sentinelops/secops-engine/internal/logging"
)

// ingest publishes newline-delimited JSON events to the engine's NATS ingest
// subject. Lines are read from -file or stdin.
func main() {
	file := flag.String("file", "", "File of newline-delimited JSON events (default stdin)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.Observability.LogLevel, cfg.Observability.LogFormat)

	in := os.Stdin
	if *file != "" {
		f, err := os.Open(*file)
		if err != nil {
			logger.Error("failed to open events file", "file", *file, "error", err)
			os.Exit(1)
		}
		defer f.Close()
		in = f
	}

	nc, err := nats.Connect(cfg.NATS.URL, nats.Name("secops-ingest-tool"))
	if err != nil {
		logger.Error("failed to connect to NATS", "url", cfg.NATS.URL, "error", err)
		os.Exit(1)
	}
	defer nc.Close()

	published, skipped := 0, 0
	scanner := bufio.NewScanner(in)
	for line := 1; scanner.Scan(); line++ {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var event ingestion.EventInput
		if err := json.Unmarshal(raw, &event); err != nil {
			logger.Warn("skipping malformed line", "line", line, "error", err)
			skipped++
			continue
		}
		body, _ := json.Marshal(event)
		if err := nc.Publish(cfg.NATS.IngestSubject, body); err != nil {
			logger.Error("failed to publish event", "line", line, "error", err)
			os.Exit(1)
		}
		published++
	}
	if err := scanner.Err(); err != nil {
		logger.Error("failed to read events", "error", err)
		os.Exit(1)
	}
	if err := nc.Flush(); err != nil {
		logger.Error("failed to flush NATS connection", "error", err)
		os.Exit(1)
	}

	logger.Info("events published", "subject", cfg.NATS.IngestSubject, "published", published, "skipped", skipped)
}
