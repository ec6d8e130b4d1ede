// Package config loads process configuration from the environment and the
// rack/lifter topology files into one loader instead of scattered
// os.Getenv calls.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds every environment-derived setting for the orchestration core.
type Config struct {
	Port string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	CatalogDSN string

	JWTSecret string

	RackConfigPath   string
	LifterConfigPath string

	LifterPollInterval time.Duration
	ShuttleLivenessTTL time.Duration
	PathTTL            time.Duration
	PickupLockTTL      time.Duration
	EndpointLockTTL    time.Duration
	RowCoordTTL        time.Duration
}

// RackTopology describes one rack's fixed nodes, loaded from RackConfigPath.
type RackTopology struct {
	PickupNodeQr   string   `json:"pickupNodeQr"`
	SafetyNodeExit string   `json:"safetyNodeExit"`
	ParkingNodes   []string `json:"parkingNodes"`
}

// LifterNode is one floor's designated lifter cell, loaded from
// LifterConfigPath and keyed by floorId.
type LifterNode struct {
	LifterID string `json:"lifterId"`
	Qr       string `json:"qr"`
}

// Load reads configuration from the environment, applying the same
// sensible-default pattern as control_plane/main.go (env override, else a
// hardcoded production default).
func Load() (*Config, error) {
	cfg := &Config{
		Port:               getEnv("PORT", ":8080"),
		RedisAddr:          getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:      getEnv("REDIS_PASSWORD", ""),
		RedisDB:            getEnvInt("REDIS_DB", 0),
		CatalogDSN:         getEnv("CATALOG_DSN", ""),
		JWTSecret:          os.Getenv("JWT_SECRET"),
		RackConfigPath:     getEnv("RACK_CONFIG_PATH", "racks.json"),
		LifterConfigPath:   getEnv("LIFTER_CONFIG_PATH", "lifters.json"),
		LifterPollInterval: getEnvDuration("LIFTER_POLL_INTERVAL", 750*time.Millisecond),
		ShuttleLivenessTTL: getEnvDuration("SHUTTLE_LIVENESS_TTL", 10*time.Second),
		PathTTL:            getEnvDuration("PATH_TTL", 600*time.Second),
		PickupLockTTL:      getEnvDuration("PICKUP_LOCK_TTL", 300*time.Second),
		EndpointLockTTL:    getEnvDuration("ENDPOINT_LOCK_TTL", 300*time.Second),
		RowCoordTTL:        getEnvDuration("ROW_COORD_TTL", time.Hour),
	}
	return cfg, nil
}

// LoadRackTopology parses the rack configuration file into a map keyed by
// rackId.
func LoadRackTopology(path string) (map[string]RackTopology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rack config %s: %w", path, err)
	}
	var out map[string]RackTopology
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse rack config %s: %w", path, err)
	}
	return out, nil
}

// LoadLifterTopology parses the lifter configuration file into a map of
// floorId -> designated lifter node.
func LoadLifterTopology(path string) (map[string]LifterNode, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read lifter config %s: %w", path, err)
	}
	var out map[string]LifterNode
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to parse lifter config %s: %w", path, err)
	}
	return out, nil
}

func getEnv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
