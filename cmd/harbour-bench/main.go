package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/safeharbour/harbour/internal/config"
	"github.com/safeharbour/harbour/internal/names"
	"github.com/safeharbour/harbour/internal/pipeline"
	"github.com/safeharbour/harbour/internal/recognize"
)

func main() {
	cfgPath := flag.String("config", "harbour.yaml", "path to config yaml")
	n := flag.Int("n", 200, "number of iterations")
	text := flag.String("text", "Priya Sharma reported that Ravi Kumar and Dr. Anita Rao attended the meeting in Pune on Tuesday.", "text to extract mentions from")
	roster := flag.String("roster", "Priya Sharma,Ravi Kumar,Anita Rao", "comma separated known names")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := config.Validate(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	rec, err := recognize.New(cfg.Recognizer)
	if err != nil {
		log.Fatalf("load recognizer: %v", err)
	}
	defer rec.Close()

	req := &pipeline.Request{Text: *text}
	for i, name := range strings.Split(*roster, ",") {
		if name = strings.TrimSpace(name); name != "" {
			uin := fmt.Sprintf("U-%d", i+1)
			req.KnownNames = append(req.KnownNames, names.Identity{DisplayName: name, UIN: &uin})
		}
	}

	p := pipeline.New(rec, pipeline.Options{})
	ctx := context.Background()

	// Warmup
	var mentions, matched int
	for i := 0; i < 5; i++ {
		resp, err := p.Run(ctx, req)
		if err != nil {
			log.Fatalf("warmup extract failed: %v", err)
		}
		mentions = len(resp.Entities)
		matched = 0
		for _, m := range resp.Entities {
			if m.Matched() {
				matched++
			}
		}
	}

	if *n <= 0 {
		*n = 1
	}

	durations := make([]time.Duration, 0, *n)
	for i := 0; i < *n; i++ {
		start := time.Now()
		if _, err := p.Run(ctx, req); err != nil {
			log.Fatalf("extract failed: %v", err)
		}
		durations = append(durations, time.Since(start))
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })

	var total time.Duration
	for _, d := range durations {
		total += d
	}

	avg := float64(total.Microseconds()) / 1000.0 / float64(len(durations))
	p50 := float64(durations[len(durations)/2].Microseconds()) / 1000.0
	p95 := float64(durations[int(float64(len(durations))*0.95)].Microseconds()) / 1000.0

	fmt.Printf("bench: n=%d avg_ms=%.2f p50_ms=%.2f p95_ms=%.2f recognizer=%s text_chars=%d known_names=%d mentions=%d matched=%d\n",
		len(durations),
		avg,
		p50,
		p95,
		rec.Name(),
		len([]rune(*text)),
		len(req.KnownNames),
		mentions,
		matched,
	)
}
