// Command ff-edge runs the wearable's on-device telemetry pipeline: the
// Edge Supervisor, its three Sensor Sessions, their Local Stores, the
// Broadcast Client, and one Retry Sender per sensor kind.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/gops/agent"
	"github.com/joho/godotenv"

	"github.com/firecrew/telemetry/internal/bus"
	"github.com/firecrew/telemetry/internal/edge/ble"
	"github.com/firecrew/telemetry/internal/edge/session"
	"github.com/firecrew/telemetry/internal/edge/store"
	"github.com/firecrew/telemetry/internal/edge/supervisor"
	"github.com/firecrew/telemetry/internal/edgeconfig"
	"github.com/firecrew/telemetry/internal/retry"
	"github.com/firecrew/telemetry/internal/schema"
	"github.com/firecrew/telemetry/pkg/ccflog"
	"github.com/firecrew/telemetry/pkg/metrics"
)

func main() {
	var flagConfigFile, flagEnvFile string
	var flagGops bool
	flag.StringVar(&flagConfigFile, "config", "./ff-edge.json", "Path to the edge agent's JSON config file")
	flag.StringVar(&flagEnvFile, "env", "./.env", "Path to an optional .env file loaded into the process environment")
	flag.BoolVar(&flagGops, "gops", false, "Listen via github.com/google/gops/agent (for debugging)")
	flag.Parse()

	if err := godotenv.Load(flagEnvFile); err != nil && !os.IsNotExist(err) {
		ccflog.Fatal("ff-edge: loading .env: ", err)
	}

	cfg, err := edgeconfig.Load(flagConfigFile)
	if err != nil {
		ccflog.Fatal("ff-edge: loading config: ", err)
	}
	if cfg.Gops || flagGops {
		if err := agent.Listen(agent.Options{}); err != nil {
			ccflog.Fatal("ff-edge: gops/agent.Listen failed: ", err)
		}
	}

	log := ccflog.New()
	if lvl, ok := ccflog.ParseLevel(cfg.LogLevel); ok {
		log.SetLevel(lvl)
	}

	mtr := metrics.New()
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", mtr.Handler())
		go func() {
			if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
				log.Warnf("ff-edge: metrics server stopped: %v", err)
			}
		}()
	}

	footStore, err := store.Open(cfg.FootStorePath, log)
	if err != nil {
		log.Fatal("ff-edge: opening foot store: ", err)
	}
	accelStore, err := store.Open(cfg.AccelStorePath, log)
	if err != nil {
		log.Fatal("ff-edge: opening accel store: ", err)
	}

	busClient := bus.New(cfg.ServerURL, cfg.DeviceKey, log)

	sv := supervisor.New(busClient, 3*time.Second, log)
	sv.AddSensor("left-foot", ble.NewSimulated(), session.Config{
		Role:               schema.DeviceLeftFoot,
		Throttle:           cfg.LeftFoot.Throttle,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		StartCommand:       decodeHex(cfg.LeftFoot.StartCommand),
		StopCommand:        decodeHex(cfg.LeftFoot.StopCommand),
	}, footStore)
	sv.AddSensor("right-foot", ble.NewSimulated(), session.Config{
		Role:               schema.DeviceRightFoot,
		Throttle:           cfg.RightFoot.Throttle,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		StartCommand:       decodeHex(cfg.RightFoot.StartCommand),
		StopCommand:        decodeHex(cfg.RightFoot.StopCommand),
	}, footStore)

	var keepAlive *session.KeepAlive
	if cfg.Accel.KeepAliveHex != "" {
		keepAlive = &session.KeepAlive{Bytes: decodeHex(cfg.Accel.KeepAliveHex), Period: cfg.Accel.KeepAlivePeriod}
	}
	sv.AddSensor("accelerometer", ble.NewSimulated(), session.Config{
		Role:               schema.DeviceAccel,
		Throttle:           cfg.Accel.Throttle,
		MaxConnectAttempts: cfg.MaxConnectAttempts,
		StartCommand:       decodeHex(cfg.Accel.StartCommand),
		StopCommand:        decodeHex(cfg.Accel.StopCommand),
		KeepAlive:          keepAlive,
	}, accelStore)

	retryCfg := retry.Config{
		PollInterval:   cfg.RetryPollInterval,
		MaxRecords:     cfg.RetryMaxRecords,
		BaseBackoff:    cfg.RetryBaseBackoff,
		MaxBackoff:     cfg.RetryMaxBackoff,
		PruneRetention: cfg.PruneRetention,
		WebhookURLs:    cfg.WebhookURLs,
		WebhookRate:    cfg.WebhookRatePerSecond,
	}
	footSender := retry.New(schema.DeviceKind("FOOT"), footStore, busClient, retryCfg, log)
	accelSender := retry.New(schema.DeviceAccel, accelStore, busClient, retryCfg, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := footSender.Start(ctx); err != nil {
		log.Fatal("ff-edge: starting foot retry sender: ", err)
	}
	if err := accelSender.Start(ctx); err != nil {
		log.Fatal("ff-edge: starting accel retry sender: ", err)
	}

	go reportBacklog(ctx, mtr, footStore, accelStore, log)
	go reportSensorStats(ctx, mtr, sv, footSender, accelSender)

	go func() {
		if err := sv.Run(ctx); err != nil {
			log.Errorf("ff-edge: supervisor stopped: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	log.Info("ff-edge: shutting down")
	cancel()
	time.Sleep(2 * time.Second) // let the supervisor's shutdown sequence finish
}

// decodeHex decodes a BLE command/keep-alive hex string. edgeconfig.Load
// already rejects a malformed value at config-load time, so the error
// here is unreachable in practice; decodeHex cannot itself fail loudly
// since session.Config fields are plain []byte.
func decodeHex(hexStr string) []byte {
	b, _ := hex.DecodeString(hexStr)
	return b
}

// reportSensorStats samples the Edge Supervisor's per-sensor frame
// counters and the two Retry Senders' current backoff on a ticker, since
// none of those are updated from a single write site the way the
// metrics they feed would otherwise expect.
func reportSensorStats(ctx context.Context, m *metrics.Metrics, sv *supervisor.Supervisor, footSender, accelSender *retry.Sender) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			malformed, throttled := sv.Stats()
			m.MalformedFrames.Store(malformed)
			m.ThrottledReadings.Store(throttled)

			backoff := footSender.CurrentBackoffMs()
			if accelBackoff := accelSender.CurrentBackoffMs(); accelBackoff > backoff {
				backoff = accelBackoff
			}
			m.RetryBackoffMs.Store(backoff)
		}
	}
}

func reportBacklog(ctx context.Context, m *metrics.Metrics, footStore, accelStore *store.Store, log *ccflog.Logger) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := footStore.CountUnsent(ctx); err == nil {
				m.UnsentFootRows.Store(n)
			} else {
				log.Warnf("ff-edge: counting unsent foot rows: %v", err)
			}
			if n, err := accelStore.CountUnsent(ctx); err == nil {
				m.UnsentAccelRows.Store(n)
			} else {
				log.Warnf("ff-edge: counting unsent accel rows: %v", err)
			}
		}
	}
}
