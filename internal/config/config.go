// Package config assembles runtime configuration for the scan
// orchestration core from environment variables, an optional .env file,
// and an optional YAML override file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ServerConfig controls the HTTP API listener.
type ServerConfig struct {
	Host string `json:"host" yaml:"host" env:"SERVER_HOST"`
	Port int    `json:"port" yaml:"port" env:"SERVER_PORT"`
}

// DatabaseConfig controls TaskStore persistence. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	DSN             string `json:"dsn" yaml:"dsn" env:"DATABASE_DSN"`
	MaxOpenConns    int    `json:"max_open_conns" yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls structured logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// RateLimitConfig configures a per-principal admission token bucket.
type RateLimitConfig struct {
	SubmissionsPerMinute int `json:"submissions_per_minute" yaml:"submissions_per_minute" env:"RATELIMIT_SUBMISSIONS_PER_MINUTE"`
	Burst                int `json:"burst" yaml:"burst" env:"RATELIMIT_BURST"`
}

// SchedulerConfig controls worker pool sizing and dispatch.
type SchedulerConfig struct {
	WorkerCount        int `json:"worker_count" yaml:"worker_count" env:"SCHEDULER_WORKER_COUNT"`
	InflightCap        int `json:"inflight_cap" yaml:"inflight_cap" env:"SCHEDULER_INFLIGHT_CAP"`
	CancelHardDeadline int `json:"cancel_hard_deadline_s" yaml:"cancel_hard_deadline_s" env:"SCHEDULER_CANCEL_HARD_DEADLINE_S"`
	PollIntervalMS     int `json:"poll_interval_ms" yaml:"poll_interval_ms" env:"SCHEDULER_POLL_INTERVAL_MS"`
}

// EngineConfig controls the ScannerEngine.
type EngineConfig struct {
	MaxConcurrentSubprocessesPerTask int `json:"max_concurrent_subprocesses_per_task" yaml:"max_concurrent_subprocesses_per_task" env:"ENGINE_MAX_CONCURRENT_SUBPROCESSES_PER_TASK"`
	DefaultStageTimeoutS             int `json:"default_stage_timeout_s" yaml:"default_stage_timeout_s" env:"ENGINE_DEFAULT_STAGE_TIMEOUT_S"`
	CancelGracePeriodS               int `json:"cancel_grace_period_s" yaml:"cancel_grace_period_s" env:"ENGINE_CANCEL_GRACE_PERIOD_S"`
	StderrCaptureBytes               int `json:"stderr_capture_bytes" yaml:"stderr_capture_bytes" env:"ENGINE_STDERR_CAPTURE_BYTES"`
}

// APISecurityConfig controls the five-phase API security sub-pipeline.
type APISecurityConfig struct {
	MaxConcurrentRequests int `json:"max_concurrent_requests" yaml:"max_concurrent_requests" env:"APISECURITY_MAX_CONCURRENT_REQUESTS"`
	MaxJSFiles            int `json:"max_js_files" yaml:"max_js_files" env:"APISECURITY_MAX_JS_FILES"`
	HTTPTimeoutS          int `json:"http_timeout_s" yaml:"http_timeout_s" env:"APISECURITY_HTTP_TIMEOUT_S"`
}

// SSRFConfig controls URL admissibility for all outbound HTTP.
type SSRFConfig struct {
	AllowedSchemes []string `json:"allowed_schemes" yaml:"allowed_schemes"`
	AllowedPorts   []int    `json:"allowed_ports" yaml:"allowed_ports"`
	HostDenylist   []string `json:"host_denylist" yaml:"host_denylist"`
}

// AuthConfig controls JWT principal decoding for the HTTP API. Token
// issuance/authentication itself happens upstream of this service; this
// config only lets it verify the signature on the claims it reads.
type AuthConfig struct {
	JWTSecret   string `json:"jwt_secret" yaml:"jwt_secret" env:"AUTH_JWT_SECRET"`
	JWTAudience string `json:"jwt_audience" yaml:"jwt_audience" env:"AUTH_JWT_AUDIENCE"`
	AdminRole   string `json:"admin_role" yaml:"admin_role" env:"AUTH_ADMIN_ROLE"`
}

// MergerConfig controls VulnerabilityMerger evidence retention and
// remediation precedence.
type MergerConfig struct {
	EvidenceCapPerSource int      `json:"evidence_cap_per_source" yaml:"evidence_cap_per_source" env:"MERGER_EVIDENCE_CAP_PER_SOURCE"`
	RemediationPriority  []string `json:"remediation_priority" yaml:"remediation_priority"`
}

// Config is the top-level configuration structure.
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	Database     DatabaseConfig     `json:"database" yaml:"database"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	RateLimit    RateLimitConfig    `json:"rate_limit" yaml:"rate_limit"`
	Scheduler    SchedulerConfig    `json:"scheduler" yaml:"scheduler"`
	Engine       EngineConfig       `json:"engine" yaml:"engine"`
	APISecurity  APISecurityConfig  `json:"api_security" yaml:"api_security"`
	SSRF         SSRFConfig         `json:"ssrf" yaml:"ssrf"`
	Merger       MergerConfig       `json:"merger" yaml:"merger"`
	Auth         AuthConfig         `json:"auth" yaml:"auth"`
}

// New returns a Config populated with defaults matching spec.md §6.
func New() *Config {
	return &Config{
		Server:  ServerConfig{Host: "0.0.0.0", Port: 8080},
		Logging: LoggingConfig{Level: "info", Format: "json"},
		RateLimit: RateLimitConfig{
			SubmissionsPerMinute: 5,
			Burst:                5,
		},
		Scheduler: SchedulerConfig{
			WorkerCount:        8,
			InflightCap:        64,
			CancelHardDeadline: 60,
			PollIntervalMS:     500,
		},
		Engine: EngineConfig{
			MaxConcurrentSubprocessesPerTask: 4,
			DefaultStageTimeoutS:             120,
			CancelGracePeriodS:               5,
			StderrCaptureBytes:               4096,
		},
		APISecurity: APISecurityConfig{
			MaxConcurrentRequests: 10,
			MaxJSFiles:            100,
			HTTPTimeoutS:          30,
		},
		SSRF: SSRFConfig{
			AllowedSchemes: []string{"http", "https"},
			AllowedPorts:   []int{80, 443, 8080, 8443},
		},
		Merger: MergerConfig{
			EvidenceCapPerSource: 5,
			RemediationPriority:  []string{"pattern", "template", "header-scan"},
		},
		Auth: AuthConfig{
			AdminRole: "admin",
		},
	}
}

// Load builds a Config from defaults, an optional .env file, an optional
// YAML override file, then environment variables (highest precedence).
func Load(envFilePath, yamlPath string) (*Config, error) {
	if strings.TrimSpace(envFilePath) != "" {
		if err := godotenv.Load(envFilePath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("load env file %s: %w", envFilePath, err)
		}
	}

	cfg := New()

	if strings.TrimSpace(yamlPath) != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("read config file %s: %w", yamlPath, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", yamlPath, err)
		}
	}

	if err := envdecode.StrictDecode(cfg); err != nil && !strings.Contains(err.Error(), "no target field") {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	return cfg, nil
}
