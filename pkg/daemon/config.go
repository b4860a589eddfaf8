package daemon

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Name      string                     `json:"name"`
	BrainPath string                     `json:"brain_path,omitempty"`
	HTTPAddr  string                     `json:"http_addr,omitempty"`
	LogLevel  string                     `json:"log_level,omitempty"`
	Realtime  RealtimeConfig             `json:"realtime,omitempty"`
	Dream     DreamConfig                `json:"dream,omitempty"`
	Modules   map[string]json.RawMessage `json:"modules,omitempty"`
}

type RealtimeConfig struct {
	Backend       string `json:"backend,omitempty"` // memory, redis, nats
	QueueSize     int    `json:"queue_size,omitempty"`
	Heartbeat     string `json:"heartbeat,omitempty"`
	IdleAfter     string `json:"idle_after,omitempty"` // queues without subscribers are pruned after this
	RedisURL      string `json:"redis_url,omitempty"`
	NATSURL       string `json:"nats_url,omitempty"`
	SubjectPrefix string `json:"subject_prefix,omitempty"`
}

type DreamConfig struct {
	Disabled   bool   `json:"disabled,omitempty"`
	Schedule   string `json:"schedule,omitempty"`
	RunOnStart bool   `json:"run_on_start,omitempty"`
}

// LoadConfig reads path (JSON, or YAML for .yaml/.yml) over the defaults,
// then the file named by ATTUNE_PRIVATE_CONFIG over that.
func LoadConfig(path string) (*Config, error) {
	base := defaultConfig()
	baseJSON, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}

	merged := baseJSON
	if path != "" {
		fileData, err := ReadConfigFile(path)
		if err != nil {
			return nil, err
		}
		merged, err = deepMergeJSON(merged, fileData)
		if err != nil {
			return nil, fmt.Errorf("merge config %s: %w", path, err)
		}
	}

	if overlay := os.Getenv("ATTUNE_PRIVATE_CONFIG"); overlay != "" {
		overlayData, err := ReadConfigFile(overlay)
		if err != nil {
			return nil, fmt.Errorf("read private config: %w", err)
		}
		merged, err = deepMergeJSON(merged, overlayData)
		if err != nil {
			return nil, fmt.Errorf("merge private config %s: %w", overlay, err)
		}
	}

	var cfg Config
	if err := json.Unmarshal(merged, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.Name = ResolveEnv(cfg.Name)
	cfg.BrainPath = ResolveEnv(cfg.BrainPath)
	cfg.HTTPAddr = ResolveEnv(cfg.HTTPAddr)
	cfg.Realtime.RedisURL = ResolveEnv(cfg.Realtime.RedisURL)
	cfg.Realtime.NATSURL = ResolveEnv(cfg.Realtime.NATSURL)

	if cfg.Name == "" {
		cfg.Name = "attune"
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.Modules == nil {
		cfg.Modules = map[string]json.RawMessage{}
	}

	return &cfg, nil
}

// ReadConfigFile returns the file as JSON, converting YAML by extension.
func ReadConfigFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		var v map[string]any
		if err := yaml.Unmarshal(data, &v); err != nil {
			return nil, fmt.Errorf("parse yaml %s: %w", path, err)
		}
		out, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("convert yaml %s: %w", path, err)
		}
		return out, nil
	}
	return data, nil
}

func deepMergeJSON(base, overlay []byte) ([]byte, error) {
	var baseMap map[string]interface{}
	if len(base) > 0 {
		if err := json.Unmarshal(base, &baseMap); err != nil {
			return nil, err
		}
	}
	if baseMap == nil {
		baseMap = map[string]interface{}{}
	}

	var overlayMap map[string]interface{}
	if len(overlay) > 0 {
		if err := json.Unmarshal(overlay, &overlayMap); err != nil {
			return nil, err
		}
	}
	mergeMap(baseMap, overlayMap)
	return json.Marshal(baseMap)
}

func mergeMap(dst, src map[string]interface{}) {
	for k, v := range src {
		dstObj, dstIsObj := dst[k].(map[string]interface{})
		srcObj, srcIsObj := v.(map[string]interface{})
		if dstIsObj && srcIsObj {
			mergeMap(dstObj, srcObj)
			dst[k] = dstObj
			continue
		}
		dst[k] = v
	}
}

// ResolveEnv expands a "$VAR" value from the environment, leaving it as is
// when the variable is unset.
func ResolveEnv(s string) string {
	if len(s) > 1 && s[0] == '$' {
		if v := os.Getenv(s[1:]); v != "" {
			return v
		}
	}
	return s
}

// ParseDuration parses s, returning fallback when s is empty or invalid.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return fallback
}

func defaultConfig() *Config {
	return &Config{
		Name:      "attune",
		BrainPath: envOr("ATTUNE_BRAIN_PATH", "brain"),
		HTTPAddr:  envOr("ATTUNE_HTTP_ADDR", ":8080"),
		LogLevel:  envOr("ATTUNE_LOG_LEVEL", "info"),
		Realtime: RealtimeConfig{
			Backend:       envOr("ATTUNE_REALTIME_BACKEND", "memory"),
			QueueSize:     envInt("ATTUNE_REALTIME_QUEUE", 64),
			Heartbeat:     "15s",
			IdleAfter:     "30m",
			RedisURL:      envOr("ATTUNE_REDIS_URL", ""),
			NATSURL:       envOr("ATTUNE_NATS_URL", ""),
			SubjectPrefix: "attune.events",
		},
		Dream: DreamConfig{
			Disabled: envOr("ATTUNE_DREAM_DISABLED", "") != "",
			Schedule: envOr("ATTUNE_DREAM_SCHEDULE", "@every 1h"),
		},
		Modules: map[string]json.RawMessage{},
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v, err := strconv.Atoi(os.Getenv(key)); err == nil && v > 0 {
		return v
	}
	return fallback
}
