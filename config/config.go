// Package config loads platform settings from file, environment, and an
// optional .env file, with defaults for every recognized key.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment selects the vulnerability allowance table.
type Environment string

const (
	Development Environment = "development"
	Staging     Environment = "staging"
	Production  Environment = "production"
)

// RateLimitGroup is a named fixed-window policy shared by routes.
type RateLimitGroup struct {
	Requests      int `mapstructure:"requests" json:"requests"`
	WindowSeconds int `mapstructure:"window_seconds" json:"window_seconds"`
}

// Window returns the group window as a duration.
func (g RateLimitGroup) Window() time.Duration {
	return time.Duration(g.WindowSeconds) * time.Second
}

// CircuitBreakerGroup is a named breaker policy shared by routes.
type CircuitBreakerGroup struct {
	FailureThreshold int `mapstructure:"failure_threshold" json:"failure_threshold"`
	RecoveryTimeout  int `mapstructure:"recovery_timeout" json:"recovery_timeout"`
}

// Recovery returns the open-state hold time as a duration.
func (g CircuitBreakerGroup) Recovery() time.Duration {
	return time.Duration(g.RecoveryTimeout) * time.Second
}

// LLMSettings configures the chat completion client.
type LLMSettings struct {
	Provider    string        `mapstructure:"provider"`
	BaseURL     string        `mapstructure:"base_url"`
	APIKey      string        `mapstructure:"api_key"`
	Model       string        `mapstructure:"model"`
	MaxTokens   int           `mapstructure:"max_tokens"`
	Temperature float64       `mapstructure:"temperature"`
	Retries     int           `mapstructure:"retries"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// Settings is the full platform configuration.
type Settings struct {
	Environment Environment `mapstructure:"environment"`
	LogLevel    string      `mapstructure:"log_level"`
	LogFormat   string      `mapstructure:"log_format"`

	// Debugger
	MLConfidenceThreshold float64 `mapstructure:"ml_confidence_threshold"`
	SimilarityThreshold   float64 `mapstructure:"similarity_threshold"`
	AutoPatchEnabled      bool    `mapstructure:"auto_patch_enabled"`
	PatchApprovalRequired bool    `mapstructure:"patch_approval_required"`
	MaxAutoPatchesPerRun  int     `mapstructure:"max_auto_patches_per_run"`
	PatchTimeoutSeconds   int     `mapstructure:"patch_timeout_seconds"`
	ModelDir              string  `mapstructure:"model_dir"`

	// Historical errors store
	HistoryDSN         string `mapstructure:"history_dsn"`
	HistoryIndexPrefix string `mapstructure:"history_index_prefix"`

	// Security
	ArtifactStoragePath     string                    `mapstructure:"artifact_storage_path"`
	VulnerabilityThresholds map[string]map[string]int `mapstructure:"vulnerability_thresholds"`
	ScannerTimeoutSeconds   int                       `mapstructure:"scanner_timeout_seconds"`

	// Gateway
	ListenAddr           string                         `mapstructure:"listen_addr"`
	RedisAddr            string                         `mapstructure:"redis_addr"`
	JWTSecret            string                         `mapstructure:"jwt_secret"`
	TokenTTLMinutes      int                            `mapstructure:"token_ttl_minutes"`
	CacheTTLDefault      int                            `mapstructure:"cache_ttl_default"`
	RateLimitGroups      map[string]RateLimitGroup      `mapstructure:"rate_limit_groups"`
	CircuitBreakerGroups map[string]CircuitBreakerGroup `mapstructure:"circuit_breaker_groups"`

	// GitHub log source
	GitHubToken string `mapstructure:"github_token"`

	LLM LLMSettings `mapstructure:"llm"`
}

// PatchTimeout returns the patch execution wall-clock budget.
func (s *Settings) PatchTimeout() time.Duration {
	return time.Duration(s.PatchTimeoutSeconds) * time.Second
}

// ScannerTimeout returns the per-adapter scan budget.
func (s *Settings) ScannerTimeout() time.Duration {
	return time.Duration(s.ScannerTimeoutSeconds) * time.Second
}

// Allowances returns the severity allowance table for the configured
// environment. Missing severities default to zero allowed.
func (s *Settings) Allowances() map[string]int {
	if t, ok := s.VulnerabilityThresholds[string(s.Environment)]; ok {
		return t
	}
	return map[string]int{}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", string(Development))
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")

	v.SetDefault("ml_confidence_threshold", 0.6)
	v.SetDefault("similarity_threshold", 0.8)
	v.SetDefault("auto_patch_enabled", true)
	v.SetDefault("patch_approval_required", true)
	v.SetDefault("max_auto_patches_per_run", 3)
	v.SetDefault("patch_timeout_seconds", 300)
	v.SetDefault("model_dir", "models/trained")

	v.SetDefault("history_index_prefix", "pipeline-errors-")

	v.SetDefault("artifact_storage_path", "artifacts")
	v.SetDefault("scanner_timeout_seconds", 120)
	v.SetDefault("vulnerability_thresholds", map[string]map[string]int{
		string(Development): {"critical": 0, "high": 5, "medium": 10, "low": 50},
		string(Staging):     {"critical": 0, "high": 2, "medium": 5, "low": 20},
		string(Production):  {"critical": 0, "high": 0, "medium": 2, "low": 10},
	})

	v.SetDefault("listen_addr", ":8080")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("token_ttl_minutes", 60)
	v.SetDefault("cache_ttl_default", 300)
	v.SetDefault("rate_limit_groups", map[string]RateLimitGroup{
		"default": {Requests: 100, WindowSeconds: 60},
		"strict":  {Requests: 10, WindowSeconds: 60},
	})
	v.SetDefault("circuit_breaker_groups", map[string]CircuitBreakerGroup{
		"default": {FailureThreshold: 5, RecoveryTimeout: 30},
	})

	v.SetDefault("llm.provider", "openai")
	v.SetDefault("llm.base_url", "https://api.openai.com")
	v.SetDefault("llm.model", "gpt-4o")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.5)
	v.SetDefault("llm.retries", 3)
	v.SetDefault("llm.timeout", 60*time.Second)
}

// Load reads settings from the optional config file plus environment.
// Environment variables use the PIPELINE_GUARDIAN_ prefix with dots
// replaced by underscores, e.g. PIPELINE_GUARDIAN_LLM_MODEL.
func Load(configFile string) (*Settings, error) {
	// .env is optional; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("PIPELINE_GUARDIAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal settings: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate rejects settings outside their documented ranges.
func (s *Settings) Validate() error {
	switch s.Environment {
	case Development, Staging, Production:
	default:
		return fmt.Errorf("unknown environment %q", s.Environment)
	}
	if s.MLConfidenceThreshold < 0 || s.MLConfidenceThreshold > 1 {
		return fmt.Errorf("ml_confidence_threshold %f outside [0,1]", s.MLConfidenceThreshold)
	}
	if s.SimilarityThreshold < 0 || s.SimilarityThreshold > 1 {
		return fmt.Errorf("similarity_threshold %f outside [0,1]", s.SimilarityThreshold)
	}
	if s.MaxAutoPatchesPerRun < 0 {
		return fmt.Errorf("max_auto_patches_per_run must not be negative")
	}
	if s.LLM.Retries < 0 {
		return fmt.Errorf("llm.retries must not be negative")
	}
	for name, g := range s.RateLimitGroups {
		if g.Requests <= 0 || g.WindowSeconds <= 0 {
			return fmt.Errorf("rate limit group %q must have positive requests and window", name)
		}
	}
	for name, g := range s.CircuitBreakerGroups {
		if g.FailureThreshold <= 0 || g.RecoveryTimeout <= 0 {
			return fmt.Errorf("circuit breaker group %q must have positive threshold and recovery", name)
		}
	}
	return nil
}
