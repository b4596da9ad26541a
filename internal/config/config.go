// Package config provides configuration loading and validation for the
// babbler gossip overlay and supervisor.
//
// Configuration file: /etc/babbler/config.yaml (default)
// Schema version: 1
//
// Validation:
//   - All required fields must be present.
//   - host and port arrays must be equal length (spec.md §6.1).
//   - File paths must be non-empty when gossip is configured to run.
//   - Invalid config on startup: the process refuses to start (fatal error).
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Config is the root configuration structure for babbler. It mirrors the
// "self" configuration document of spec.md §6.1 plus the ambient stack
// (storage, observability) the teacher's own config always carries.
type Config struct {
	// SchemaVersion must be "1".
	SchemaVersion string `yaml:"schema_version"`

	// NodeID is this babbler's identifier. Per spec.md §3 this SHOULD equal
	// the Common Name of the node's X.509 certificate; it is not derived
	// from the certificate automatically so that tests can run without a
	// full PKI. Default: hostname.
	NodeID string `yaml:"node_id"`

	// Gossip configures the membership/transport subsystem (§4.D).
	Gossip GossipConfig `yaml:"gossip"`

	// Supervisor configures the health-check scheduler (§4.E).
	Supervisor SupervisorConfig `yaml:"supervisor"`

	// Storage configures the BoltDB-backed store adapter (§6.1).
	Storage StorageConfig `yaml:"storage"`

	// Observability configures metrics and logging.
	Observability ObservabilityConfig `yaml:"observability"`
}

// GossipConfig mirrors the "self" document of the membership store
// (spec.md §6.1): host/port arrays, maxconv, debug/verbose flags, version,
// and certificate paths.
type GossipConfig struct {
	// Host is the ordered list of listener hosts. Must be the same length
	// as Port.
	Host []string `yaml:"host"`

	// Port is the ordered list of listener ports, paired index-for-index
	// with Host.
	Port []int `yaml:"port"`

	// MaxConv caps the number of peer-table entries created from
	// unverified third-party reports (spec.md §4.D case 3). 0 disables
	// the limit.
	MaxConv int `yaml:"maxconv"`

	// Debug is the "debug" flag of the self document. It is parsed but no
	// code in the module reads it; the log level is set by
	// Observability.LogLevel.
	Debug bool `yaml:"debug"`

	// Verbose is the "verbose" flag of the self document. It is parsed but
	// no code in the module reads it.
	Verbose bool `yaml:"verbose"`

	// Version is this node's own starting Contact version. If absent (0)
	// on load, Load supplies 1, per spec.md §6.1.
	Version int64 `yaml:"version"`

	// Certificates holds the TLS material paths.
	Certificates CertificateConfig `yaml:"certificates"`

	// SupervisionInterval is the peer-table re-dial scan period.
	// Default: 60s, per spec.md §4.D.
	SupervisionInterval time.Duration `yaml:"supervision_interval"`

	// DialBudget is the number of outbound dial attempts permitted per
	// SupervisionInterval, via internal/ratelimit. Default: 0 (unlimited —
	// Babblemouth skips the bucket entirely when DialBudget <= 0).
	DialBudget int `yaml:"dial_budget"`
}

// CertificateConfig holds TLS material paths, per spec.md §6.1.
type CertificateConfig struct {
	Key         string `yaml:"key"`
	Certificate string `yaml:"certificate"`
	CA          string `yaml:"ca"`

	// KnownDir is the directory ("certificates/known/") that holds one PEM
	// per known peer identifier, per spec.md §6.1.
	KnownDir string `yaml:"known_dir"`
}

// SupervisorConfig holds scheduler-level parameters.
type SupervisorConfig struct {
	// IdleSleep is how long the scheduling driver sleeps when the heap is
	// empty. Default: 30s, per spec.md §4.E.
	IdleSleep time.Duration `yaml:"idle_sleep"`
}

// StorageConfig holds BoltDB parameters and the three logical database
// names of spec.md §6.1.
type StorageConfig struct {
	// DBPath is the absolute path to the BoltDB file.
	DBPath string `yaml:"db_path"`

	// MembershipBucket is the bucket name for the membership store.
	// Default: "gossip_crackertable".
	MembershipBucket string `yaml:"membership_bucket"`

	// WatchlistBucket is the bucket name for the watch-list store.
	// Default: "gossip_watchlist".
	WatchlistBucket string `yaml:"watchlist_bucket"`

	// ResultsBucket is the bucket name for the results store.
	// Default: "gossip_watchresults".
	ResultsBucket string `yaml:"results_bucket"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Gossip: GossipConfig{
			MaxConv:             0,
			Version:             1,
			SupervisionInterval: 60 * time.Second,
			DialBudget:          0,
			Certificates: CertificateConfig{
				KnownDir: "certificates/known",
			},
		},
		Supervisor: SupervisorConfig{
			IdleSleep: 30 * time.Second,
		},
		Storage: StorageConfig{
			DBPath:           "/var/lib/babbler/babbler.db",
			MembershipBucket: "gossip_crackertable",
			WatchlistBucket:  "gossip_watchlist",
			ResultsBucket:    "gossip_watchresults",
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9091",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	if cfg.Gossip.Version == 0 {
		cfg.Gossip.Version = 1
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// Validate checks all config fields for correctness. Returns a descriptive
// error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if len(cfg.Gossip.Host) != len(cfg.Gossip.Port) {
		errs = append(errs, fmt.Sprintf(
			"gossip.host (len %d) and gossip.port (len %d) must be equal length",
			len(cfg.Gossip.Host), len(cfg.Gossip.Port)))
	}
	if len(cfg.Gossip.Host) == 0 {
		errs = append(errs, "gossip.host must not be empty")
	}
	if cfg.Gossip.MaxConv < 0 {
		errs = append(errs, fmt.Sprintf("gossip.maxconv must be >= 0, got %d", cfg.Gossip.MaxConv))
	}
	if cfg.Gossip.Version < 0 {
		errs = append(errs, fmt.Sprintf("gossip.version must be >= 0, got %d", cfg.Gossip.Version))
	}
	if cfg.Gossip.Certificates.Key == "" || cfg.Gossip.Certificates.Certificate == "" || cfg.Gossip.Certificates.CA == "" {
		errs = append(errs, "gossip.certificates.key, certificate, and ca are all required")
	}
	if cfg.Gossip.SupervisionInterval <= 0 {
		errs = append(errs, fmt.Sprintf(
			"gossip.supervision_interval must be > 0, got %s", cfg.Gossip.SupervisionInterval))
	}
	if cfg.Storage.DBPath == "" {
		errs = append(errs, "storage.db_path must not be empty")
	}
	if cfg.Supervisor.IdleSleep <= 0 {
		errs = append(errs, fmt.Sprintf(
			"supervisor.idle_sleep must be > 0, got %s", cfg.Supervisor.IdleSleep))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", joinStrings(errs, "\n  - "))
	}
	return nil
}

// joinStrings joins a slice of strings with a separator.
func joinStrings(ss []string, sep string) string {
	if len(ss) == 0 {
		return ""
	}
	result := ss[0]
	for _, s := range ss[1:] {
		result += sep + s
	}
	return result
}
