package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BridgeConfig configures the hub process. Every field has a fixed
// environment variable name; an optional YAML file supplies a base the
// environment overrides.
type BridgeConfig struct {
	Port           int    `yaml:"port"`
	AuthToken      string `yaml:"authToken"`
	RequireSigning bool   `yaml:"requireSigning"`
	SigningSecret  string `yaml:"signingSecret"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	StaleMultiplier   float64       `yaml:"staleMultiplier"`

	MaxMessageSize int `yaml:"maxMessageSize"`
	MaxConnections int `yaml:"maxConnections"`
	SendQueueSize  int `yaml:"sendQueueSize"`
	HealthInitial  int `yaml:"healthInitial"`
	HealthFloor    int `yaml:"healthFloor"`

	MessageLogSize int           `yaml:"messageLogSize"`
	SeenCacheSize  int           `yaml:"seenCacheSize"`
	SeenCacheTTL   time.Duration `yaml:"seenCacheTTL"`
	DLQSize        int           `yaml:"dlqSize"`
	DLQMaxRetries  int           `yaml:"dlqMaxRetries"`

	DrainTimeout time.Duration `yaml:"drainTimeout"`

	MemWarningMB  int `yaml:"memWarningMB"`
	MemCriticalMB int `yaml:"memCriticalMB"`

	RateRefill float64 `yaml:"rateRefill"`
	RateBurst  int     `yaml:"rateBurst"`

	BreakerThreshold uint32        `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`

	MinCompatibleVersion string `yaml:"minCompatibleVersion"`

	MaxDoctors     int    `yaml:"maxDoctors"`
	DoctorBinary   string `yaml:"doctorBinary"`
	DoctorBasePort int    `yaml:"doctorBasePort"`

	ScreenshotsDir string `yaml:"screenshotsDir"`
	ReportLogSize  int    `yaml:"reportLogSize"`
}

// IgorConfig configures a worker-face process
type IgorConfig struct {
	ID        string `yaml:"id"`
	Version   string `yaml:"version"`
	BridgeURL string `yaml:"bridgeURL"`
	AuthToken string `yaml:"authToken"`
	Port      int    `yaml:"port"`

	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`

	ExecutorID       string        `yaml:"executorID"`
	StepTimeout      time.Duration `yaml:"stepTimeout"`
	BreakerThreshold uint32        `yaml:"breakerThreshold"`
	BreakerReset     time.Duration `yaml:"breakerReset"`

	AutoStrikeThreshold int `yaml:"autoStrikeThreshold"`

	ExperiencePath string `yaml:"experiencePath"`

	FrankBinary   string        `yaml:"frankBinary"`
	FrankBasePort int           `yaml:"frankBasePort"`
	FrankPoolSize int           `yaml:"frankPoolSize"`
	ToolCacheTTL  time.Duration `yaml:"toolCacheTTL"`

	IgorBinary   string `yaml:"igorBinary"`
	IgorBasePort int    `yaml:"igorBasePort"`
}

// DefaultBridge returns the bridge defaults
func DefaultBridge() BridgeConfig {
	return BridgeConfig{
		Port:                 8787,
		HeartbeatInterval:    30 * time.Second,
		StaleMultiplier:      3,
		MaxMessageSize:       1 << 20, // 1 MiB
		MaxConnections:       100,
		SendQueueSize:        256,
		HealthInitial:        100,
		HealthFloor:          20,
		MessageLogSize:       1000,
		SeenCacheSize:        5000,
		SeenCacheTTL:         time.Minute,
		DLQSize:              500,
		DLQMaxRetries:        3,
		DrainTimeout:         10 * time.Second,
		MemWarningMB:         512,
		MemCriticalMB:        1024,
		RateRefill:           50,
		RateBurst:            100,
		BreakerThreshold:     5,
		BreakerReset:         30 * time.Second,
		MinCompatibleVersion: "2026-01-01-v1",
		MaxDoctors:           5,
		DoctorBasePort:       9100,
		ScreenshotsDir:       "screenshots",
		ReportLogSize:        1000,
	}
}

// DefaultIgor returns the worker-face defaults
func DefaultIgor() IgorConfig {
	return IgorConfig{
		ID:                  "igor",
		Version:             "2026-01-21-v11",
		BridgeURL:           "ws://localhost:8787/ws",
		Port:                8686,
		HeartbeatInterval:   30 * time.Second,
		ExecutorID:          "frank",
		StepTimeout:         30 * time.Second,
		BreakerThreshold:    5,
		BreakerReset:        30 * time.Second,
		AutoStrikeThreshold: 3,
		ExperiencePath:      "experience.db",
		FrankBasePort:       9500,
		FrankPoolSize:       3,
		ToolCacheTTL:        30 * time.Second,
		IgorBasePort:        9700,
	}
}

// LoadBridge builds the bridge config: defaults, then the optional YAML
// file, then the environment
func LoadBridge(path string) (BridgeConfig, error) {
	cfg := DefaultBridge()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	envInt("BRIDGE_PORT", &cfg.Port)
	envStr("BRIDGE_AUTH_TOKEN", &cfg.AuthToken)
	envBool("BRIDGE_REQUIRE_SIGNING", &cfg.RequireSigning)
	envStr("BRIDGE_SIGNING_SECRET", &cfg.SigningSecret)
	envDurationMS("BRIDGE_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatInterval)
	envFloat("BRIDGE_STALE_MULTIPLIER", &cfg.StaleMultiplier)
	envInt("BRIDGE_MAX_MESSAGE_SIZE", &cfg.MaxMessageSize)
	envInt("BRIDGE_MAX_CONNECTIONS", &cfg.MaxConnections)
	envInt("BRIDGE_SEND_QUEUE_SIZE", &cfg.SendQueueSize)
	envInt("BRIDGE_HEALTH_INITIAL", &cfg.HealthInitial)
	envInt("BRIDGE_HEALTH_FLOOR", &cfg.HealthFloor)
	envInt("BRIDGE_MESSAGE_LOG_SIZE", &cfg.MessageLogSize)
	envInt("BRIDGE_SEEN_CACHE_SIZE", &cfg.SeenCacheSize)
	envDurationMS("BRIDGE_SEEN_CACHE_TTL_MS", &cfg.SeenCacheTTL)
	envInt("BRIDGE_DLQ_SIZE", &cfg.DLQSize)
	envInt("BRIDGE_DLQ_MAX_RETRIES", &cfg.DLQMaxRetries)
	envDurationMS("BRIDGE_DRAIN_TIMEOUT_MS", &cfg.DrainTimeout)
	envInt("BRIDGE_MEM_WARNING_MB", &cfg.MemWarningMB)
	envInt("BRIDGE_MEM_CRITICAL_MB", &cfg.MemCriticalMB)
	envFloat("BRIDGE_RATE_REFILL", &cfg.RateRefill)
	envInt("BRIDGE_RATE_BURST", &cfg.RateBurst)
	envUint32("BRIDGE_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envDurationMS("BRIDGE_BREAKER_RESET_MS", &cfg.BreakerReset)
	envStr("BRIDGE_MIN_COMPATIBLE_VERSION", &cfg.MinCompatibleVersion)
	envInt("BRIDGE_MAX_DOCTORS", &cfg.MaxDoctors)
	envStr("BRIDGE_DOCTOR_BINARY", &cfg.DoctorBinary)
	envInt("BRIDGE_DOCTOR_BASE_PORT", &cfg.DoctorBasePort)
	envStr("BRIDGE_SCREENSHOTS_DIR", &cfg.ScreenshotsDir)
	envInt("BRIDGE_REPORT_LOG_SIZE", &cfg.ReportLogSize)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadIgor builds the worker-face config: defaults, then the optional
// YAML file, then the environment
func LoadIgor(path string) (IgorConfig, error) {
	cfg := DefaultIgor()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
	}

	envStr("IGOR_ID", &cfg.ID)
	envStr("IGOR_VERSION", &cfg.Version)
	envStr("IGOR_BRIDGE_URL", &cfg.BridgeURL)
	envStr("IGOR_AUTH_TOKEN", &cfg.AuthToken)
	envInt("IGOR_PORT", &cfg.Port)
	envDurationMS("IGOR_HEARTBEAT_INTERVAL_MS", &cfg.HeartbeatInterval)
	envStr("IGOR_EXECUTOR_ID", &cfg.ExecutorID)
	envDurationMS("IGOR_STEP_TIMEOUT_MS", &cfg.StepTimeout)
	envUint32("IGOR_BREAKER_THRESHOLD", &cfg.BreakerThreshold)
	envDurationMS("IGOR_BREAKER_RESET_MS", &cfg.BreakerReset)
	envInt("IGOR_AUTO_STRIKE_THRESHOLD", &cfg.AutoStrikeThreshold)
	envStr("IGOR_EXPERIENCE_PATH", &cfg.ExperiencePath)
	envStr("IGOR_FRANK_BINARY", &cfg.FrankBinary)
	envInt("IGOR_FRANK_BASE_PORT", &cfg.FrankBasePort)
	envInt("IGOR_FRANK_POOL_SIZE", &cfg.FrankPoolSize)
	envDurationMS("IGOR_TOOL_CACHE_TTL_MS", &cfg.ToolCacheTTL)
	envStr("IGOR_BINARY", &cfg.IgorBinary)
	envInt("IGOR_BASE_PORT", &cfg.IgorBasePort)

	return cfg, nil
}

func (c *BridgeConfig) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid bridge port %d", c.Port)
	}
	if c.RequireSigning && c.SigningSecret == "" {
		return fmt.Errorf("BRIDGE_REQUIRE_SIGNING set without BRIDGE_SIGNING_SECRET")
	}
	if c.MemCriticalMB < c.MemWarningMB {
		return fmt.Errorf("critical memory threshold %dMB below warning %dMB", c.MemCriticalMB, c.MemWarningMB)
	}
	return nil
}

func loadFile(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func envStr(name string, out *string) {
	if v := os.Getenv(name); v != "" {
		*out = v
	}
}

func envInt(name string, out *int) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = n
		}
	}
}

func envUint32(name string, out *uint32) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.ParseUint(v, 10, 32); err == nil {
			*out = uint32(n)
		}
	}
}

func envFloat(name string, out *float64) {
	if v := os.Getenv(name); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*out = f
		}
	}
}

func envBool(name string, out *bool) {
	if v := os.Getenv(name); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*out = b
		}
	}
}

func envDurationMS(name string, out *time.Duration) {
	if v := os.Getenv(name); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*out = time.Duration(n) * time.Millisecond
		}
	}
}
