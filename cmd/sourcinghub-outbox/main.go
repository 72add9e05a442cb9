package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/sourcinghub/internal/outboxsync"
)

func main() {
	baseURL := flag.String("base-url", envOrDefault("SOURCINGHUB_BASE_URL", "http://127.0.0.1:8080"), "sourcinghub base URL")
	secret := flag.String("secret", strings.TrimSpace(os.Getenv("SOURCINGHUB_INTERNAL_SECRET")), "internal HMAC secret shared with the hub")
	outboxDir := flag.String("outbox-dir", strings.TrimSpace(os.Getenv("SOURCINGHUB_OUTBOX_DIR")), "outbox directory holding submission bundles")
	stateFile := flag.String("state-file", strings.TrimSpace(os.Getenv("SOURCINGHUB_OUTBOX_STATE_FILE")), "state file path")
	defaultTenant := flag.String("tenant", strings.TrimSpace(os.Getenv("SOURCINGHUB_OUTBOX_TENANT")), "tenant applied to bundles that omit one")
	defaultRoute := flag.String("route", envOrDefault("SOURCINGHUB_OUTBOX_ROUTE", ""), "route applied to bundles that omit one")
	interval := flag.Duration("interval", durationEnv("SOURCINGHUB_OUTBOX_INTERVAL", 5*time.Second), "sync interval")
	intervalJitter := flag.Float64("interval-jitter", floatEnv("SOURCINGHUB_OUTBOX_INTERVAL_JITTER", 0.2), "sync interval jitter ratio (0.0-1.0)")
	timeout := flag.Duration("timeout", durationEnv("SOURCINGHUB_OUTBOX_TIMEOUT", 30*time.Second), "per-sync timeout")
	watch := flag.Bool("watch", boolEnv("SOURCINGHUB_OUTBOX_WATCH", true), "react to filesystem events in addition to the interval")
	once := flag.Bool("once", false, "run one sync cycle and exit")
	flag.Parse()

	if strings.TrimSpace(*secret) == "" {
		log.Fatalf("secret is required (--secret or SOURCINGHUB_INTERNAL_SECRET)")
	}
	if strings.TrimSpace(*outboxDir) == "" {
		log.Fatalf("outbox-dir is required (--outbox-dir or SOURCINGHUB_OUTBOX_DIR)")
	}
	if *interval <= 0 {
		*interval = 5 * time.Second
	}
	if *timeout <= 0 {
		*timeout = 30 * time.Second
	}
	*intervalJitter = clampJitterRatio(*intervalJitter)

	client := outboxsync.NewHTTPClient(*baseURL, *secret, &http.Client{Timeout: *timeout})
	agent, err := outboxsync.NewAgent(client, outboxsync.AgentOptions{
		OutboxDir:     *outboxDir,
		StateFile:     *stateFile,
		DefaultTenant: *defaultTenant,
		DefaultRoute:  *defaultRoute,
		Logger:        log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize outbox agent: %v", err)
	}
	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, *timeout)
		defer cancel()
		if err := agent.SyncOnce(ctx); err != nil {
			log.Printf("outbox sync cycle failed: %v", err)
			return
		}
		log.Printf("outbox sync cycle completed")
	}

	run()
	if *once {
		return
	}

	var signals <-chan struct{}
	if *watch {
		signals, err = agent.WatchOutbox(rootCtx)
		if err != nil {
			log.Printf("outbox watch unavailable, falling back to interval only: %v", err)
			signals = nil
		}
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("outbox sync stopping: %v", rootCtx.Err())
			return
		case _, ok := <-signals:
			if !ok {
				signals = nil
				continue
			}
			run()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(*interval, *intervalJitter, rng.Float64()))
		}
	}
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
