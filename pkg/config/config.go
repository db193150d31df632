// Package config handles engine configuration via environment variables.
//
// All knobs are environment variables prefixed FORENSICS_, optionally
// overlaid from a YAML file for deployments that prefer config files.
// Load with LoadFromEnv() (or LoadFile() on top of it) and check with
// Validate() before use.
//
// Example Usage:
//
//	cfg := config.LoadFromEnv()
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//
//   - FORENSICS_ACCEPT_THRESHOLD=0.9
//   - FORENSICS_CIOH_WEIGHT=0.95
//   - FORENSICS_CHANGE_WEIGHT=0.7
//   - FORENSICS_BEHAVIORAL_WEIGHT=0.3
//   - FORENSICS_UNDO_DEPTH_LIMIT=10000
//   - FORENSICS_COINJOIN_DETECTION_ENABLED=true
//   - FORENSICS_BEHAVIORAL_EVALUATOR_ENABLED=false
//   - FORENSICS_EVAL_WORKERS=4
//   - FORENSICS_JOURNAL_DIR=data/journal
//   - FORENSICS_JOURNAL_SYNC=batch
//
// The heuristic weights and the acceptance threshold are deliberately
// configuration, not constants: published values for these heuristics are
// illustrative defaults, and an analyst tuning against a ground-truth set
// should not need a recompile.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvAcceptThreshold   = "FORENSICS_ACCEPT_THRESHOLD"
	EnvCIOHWeight        = "FORENSICS_CIOH_WEIGHT"
	EnvChangeWeight      = "FORENSICS_CHANGE_WEIGHT"
	EnvBehavioralWeight  = "FORENSICS_BEHAVIORAL_WEIGHT"
	EnvUndoDepthLimit    = "FORENSICS_UNDO_DEPTH_LIMIT"
	EnvCoinJoinDetection = "FORENSICS_COINJOIN_DETECTION_ENABLED"
	EnvBehavioralEnabled = "FORENSICS_BEHAVIORAL_EVALUATOR_ENABLED"
	EnvEvalWorkers       = "FORENSICS_EVAL_WORKERS"
	EnvJournalDir        = "FORENSICS_JOURNAL_DIR"
	EnvJournalSync       = "FORENSICS_JOURNAL_SYNC"
	EnvJournalSyncWait   = "FORENSICS_JOURNAL_SYNC_INTERVAL"
	EnvSubscriberBuffer  = "FORENSICS_SUBSCRIBER_BUFFER"
)

// Config holds all engine configuration.
type Config struct {
	// Clustering policy.
	AcceptThreshold float64 `yaml:"accept_threshold"`
	UndoDepthLimit  int     `yaml:"undo_depth_limit"`

	// Heuristic weights.
	CIOHWeight       float64 `yaml:"cioh_weight"`
	ChangeWeight     float64 `yaml:"change_weight"`
	BehavioralWeight float64 `yaml:"behavioral_weight"`

	// Feature toggles.
	CoinJoinDetectionEnabled   bool `yaml:"coinjoin_detection_enabled"`
	BehavioralEvaluatorEnabled bool `yaml:"behavioral_evaluator_enabled"`

	// Execution.
	EvalWorkers      int `yaml:"eval_workers"`
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// Journal.
	JournalDir          string        `yaml:"journal_dir"`
	JournalSync         string        `yaml:"journal_sync"`
	JournalSyncInterval time.Duration `yaml:"journal_sync_interval"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		AcceptThreshold:            0.9,
		UndoDepthLimit:             10000,
		CIOHWeight:                 0.95,
		ChangeWeight:               0.7,
		BehavioralWeight:           0.3,
		CoinJoinDetectionEnabled:   true,
		BehavioralEvaluatorEnabled: false,
		EvalWorkers:                4,
		SubscriberBuffer:           256,
		JournalDir:                 "data/journal",
		JournalSync:                "batch",
		JournalSyncInterval:        100 * time.Millisecond,
	}
}

// LoadFromEnv builds a Config from environment variables over defaults.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.AcceptThreshold = getEnvFloat(EnvAcceptThreshold, cfg.AcceptThreshold)
	cfg.CIOHWeight = getEnvFloat(EnvCIOHWeight, cfg.CIOHWeight)
	cfg.ChangeWeight = getEnvFloat(EnvChangeWeight, cfg.ChangeWeight)
	cfg.BehavioralWeight = getEnvFloat(EnvBehavioralWeight, cfg.BehavioralWeight)
	cfg.UndoDepthLimit = getEnvInt(EnvUndoDepthLimit, cfg.UndoDepthLimit)
	cfg.CoinJoinDetectionEnabled = getEnvBool(EnvCoinJoinDetection, cfg.CoinJoinDetectionEnabled)
	cfg.BehavioralEvaluatorEnabled = getEnvBool(EnvBehavioralEnabled, cfg.BehavioralEvaluatorEnabled)
	cfg.EvalWorkers = getEnvInt(EnvEvalWorkers, cfg.EvalWorkers)
	cfg.SubscriberBuffer = getEnvInt(EnvSubscriberBuffer, cfg.SubscriberBuffer)
	cfg.JournalDir = getEnv(EnvJournalDir, cfg.JournalDir)
	cfg.JournalSync = getEnv(EnvJournalSync, cfg.JournalSync)
	cfg.JournalSyncInterval = getEnvDuration(EnvJournalSyncWait, cfg.JournalSyncInterval)
	return cfg
}

// LoadFile overlays YAML file settings onto the config. Fields absent
// from the file keep their current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate checks ranges and enumerations.
func (c *Config) Validate() error {
	if c.AcceptThreshold <= 0 || c.AcceptThreshold > 1 {
		return fmt.Errorf("config: accept threshold %.4f outside (0,1]", c.AcceptThreshold)
	}
	for name, w := range map[string]float64{
		"cioh":       c.CIOHWeight,
		"change":     c.ChangeWeight,
		"behavioral": c.BehavioralWeight,
	} {
		if w < 0 || w > 1 {
			return fmt.Errorf("config: %s weight %.4f outside [0,1]", name, w)
		}
	}
	if c.UndoDepthLimit < 1 {
		return fmt.Errorf("config: undo depth limit %d < 1", c.UndoDepthLimit)
	}
	if c.EvalWorkers < 1 {
		return fmt.Errorf("config: eval workers %d < 1", c.EvalWorkers)
	}
	switch c.JournalSync {
	case "immediate", "batch", "none":
	default:
		return fmt.Errorf("config: journal sync %q (want immediate, batch or none)", c.JournalSync)
	}
	return nil
}

// String renders the config for startup logs, one knob per line.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "accept_threshold=%.2f ", c.AcceptThreshold)
	fmt.Fprintf(&b, "cioh=%.2f change=%.2f behavioral=%.2f ", c.CIOHWeight, c.ChangeWeight, c.BehavioralWeight)
	fmt.Fprintf(&b, "undo_depth=%d workers=%d ", c.UndoDepthLimit, c.EvalWorkers)
	fmt.Fprintf(&b, "coinjoin_detection=%t behavioral_evaluator=%t ", c.CoinJoinDetectionEnabled, c.BehavioralEvaluatorEnabled)
	fmt.Fprintf(&b, "journal=%s sync=%s", c.JournalDir, c.JournalSync)
	return b.String()
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}
