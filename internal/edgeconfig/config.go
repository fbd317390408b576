// Package edgeconfig is the top-level configuration for cmd/ff-edge: BLE
// peer addresses, per-sensor throttle/keep-alive settings, Local Store
// paths, the Broadcast Client's server URL and device key, the Retry
// Sender's polling/backoff knobs, and optional webhook fallback URLs.
//
// Loaded as a JSON file decoded with DisallowUnknownFields. cmd/ff-edge
// loads an optional ".env" file into the process environment first, but
// Load reads no environment variables: every field, the device key
// included, comes from the JSON file or from Default.
package edgeconfig

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// SensorConfig mirrors session.Config's fields that are operator-facing;
// the session package fills in timeouts/defaults not exposed here.
type SensorConfig struct {
	PeerAddress  string `json:"peerAddress"`
	Throttle     int    `json:"throttle"`
	StartCommand string `json:"startCommandHex,omitempty"`
	StopCommand  string `json:"stopCommandHex,omitempty"`
}

type AccelConfig struct {
	SensorConfig
	KeepAliveHex    string        `json:"keepAliveHex,omitempty"`
	KeepAlivePeriod time.Duration `json:"keepAlivePeriod,omitempty"`
}

type Config struct {
	// LeftFoot, RightFoot, Accel configure the three Sensor Sessions; the
	// Edge Supervisor brings them up in this priority order with a 3s gap.
	LeftFoot  SensorConfig `json:"leftFoot"`
	RightFoot SensorConfig `json:"rightFoot"`
	Accel     AccelConfig  `json:"accelerometer"`

	MaxConnectAttempts int `json:"maxConnectAttempts"`

	// FootStorePath / AccelStorePath are the two sqlite3 Local Store
	// files, one log per sensor kind (the two feet share a store).
	FootStorePath  string `json:"footStorePath"`
	AccelStorePath string `json:"accelStorePath"`

	// ServerURL is the Broadcast Client's NATS address (nats://host:port).
	ServerURL string `json:"serverUrl"`
	// DeviceKey authenticates this edge unit during the bus handshake.
	DeviceKey string `json:"deviceKey"`

	// WebhookURLs is the Retry Sender's fallback delivery path, used
	// only when set; nil/empty means bus-only delivery.
	WebhookURLs []string `json:"webhookUrls,omitempty"`

	RetryPollInterval    time.Duration `json:"retryPollInterval"`
	RetryMaxRecords      int           `json:"retryMaxRecords"`
	RetryBaseBackoff     time.Duration `json:"retryBaseBackoff"`
	RetryMaxBackoff      time.Duration `json:"retryMaxBackoff"`
	PruneRetention       time.Duration `json:"pruneRetention"`
	WebhookRatePerSecond float64       `json:"webhookRatePerSecond"`

	// MetricsAddr serves Prometheus /metrics locally; empty disables it.
	MetricsAddr string `json:"metricsAddr,omitempty"`

	Gops     bool   `json:"gops"`
	LogLevel string `json:"logLevel"`
}

// Default is the configuration used when no config file is present: a
// populated package-level default struct that a config file only needs
// to override selectively.
var Default = Config{
	MaxConnectAttempts:   3,
	FootStorePath:        "./var/foot.db",
	AccelStorePath:       "./var/accel.db",
	ServerURL:            "nats://localhost:4222",
	RetryPollInterval:    30 * time.Second,
	RetryMaxRecords:      100,
	RetryBaseBackoff:     60 * time.Second,
	RetryMaxBackoff:      3600 * time.Second,
	PruneRetention:       24 * time.Hour,
	WebhookRatePerSecond: 5,
	MetricsAddr:          ":9100",
	LogLevel:             "info",
	Accel: AccelConfig{
		KeepAliveHex:    "ffaa273a00",
		KeepAlivePeriod: time.Second,
	},
}

// Load reads path into cfg, starting from Default. A missing file is not
// an error (Default alone is a usable configuration for local testing).
func Load(path string) (Config, error) {
	cfg := Default
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			if err := cfg.validateHex(); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return cfg, fmt.Errorf("edgeconfig: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("edgeconfig: parse %s: %w", path, err)
	}
	if err := cfg.validateHex(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// validateHex rejects a config whose hex-encoded BLE command/keep-alive
// fields aren't valid hex, at load time rather than at first use.
func (c Config) validateHex() error {
	fields := []struct {
		name  string
		value string
	}{
		{"leftFoot.startCommandHex", c.LeftFoot.StartCommand},
		{"leftFoot.stopCommandHex", c.LeftFoot.StopCommand},
		{"rightFoot.startCommandHex", c.RightFoot.StartCommand},
		{"rightFoot.stopCommandHex", c.RightFoot.StopCommand},
		{"accelerometer.startCommandHex", c.Accel.StartCommand},
		{"accelerometer.stopCommandHex", c.Accel.StopCommand},
		{"accelerometer.keepAliveHex", c.Accel.KeepAliveHex},
	}
	for _, f := range fields {
		if f.value == "" {
			continue
		}
		if _, err := hex.DecodeString(f.value); err != nil {
			return fmt.Errorf("edgeconfig: %s: %w", f.name, err)
		}
	}
	return nil
}
