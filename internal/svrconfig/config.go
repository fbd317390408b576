// Package svrconfig is the top-level configuration for cmd/ff-server: the
// HTTP listen address, the Session Registry's SQL database, the bus
// (NATS) subscriber address, JWT signing material for device-session
// tokens, and optional S3 cold-archival settings for session export.
package svrconfig

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
)

type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

type Config struct {
	Addr string `json:"addr"`

	DBDriver string `json:"dbDriver"`
	DB       string `json:"db"`

	BusAddress string `json:"busAddress"`

	// DeviceKeyHashes maps a device id to its bcrypt-hashed device key,
	// checked at the bus `authenticate` handshake.
	DeviceKeyHashes map[string]string `json:"deviceKeyHashes"`
	JWTSigningKey   string            `json:"jwtSigningKey"`

	S3Archive *S3Config `json:"s3Archive,omitempty"`

	WindowCheckpointPath string `json:"windowCheckpointPath"`

	Gops     bool   `json:"gops"`
	LogLevel string `json:"logLevel"`
}

var Default = Config{
	Addr:                 ":8081",
	DBDriver:             "sqlite3",
	DB:                   "./var/sessions.db",
	BusAddress:           "nats://localhost:4222",
	WindowCheckpointPath: "./var/windows.checkpoint.avro",
	LogLevel:             "info",
}

func Load(path string) (Config, error) {
	cfg := Default
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("svrconfig: read %s: %w", path, err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("svrconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}
