package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sentinelops/secops-engine/internal/detection"
	"github.com/sentinelops/secops-engine/internal/models"
)

// score prints the assessment of one sample event, or the correlated
// analysis when several event types are given.
func main() {
	var (
		severity  = flag.String("severity", "high", "Event severity")
		ip        = flag.String("ip", "", "Source IP address")
		threshold = flag.Int("threshold", detection.DefaultRiskThreshold, "Risk threshold for detection")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-severity high] [-ip 10.0.0.1] eventType [eventType...]\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	sev := models.Severity(*severity)
	if !sev.Valid() {
		fmt.Fprintf(os.Stderr, "invalid severity %q\n", *severity)
		os.Exit(2)
	}

	scorer := detection.NewScorer(*threshold)
	events := make([]*models.Event, 0, flag.NArg())
	for _, eventType := range flag.Args() {
		events = append(events, &models.Event{
			ID: uuid.New(), Timestamp: time.Now().UTC(), Source: "cli", EventType: eventType, Severity: sev, IPAddress: *ip,
		})
	}

	var out any
	if len(events) == 1 {
		a := scorer.Score(events[0])
		out = map[string]any{
			"assessment": a,
			"detected":   scorer.Detects(a),
			"threshold":  scorer.Threshold(),
		}
	} else {
		out = scorer.Analyze(events)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode result: %v\n", err)
		os.Exit(1)
	}
}
