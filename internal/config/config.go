// Package config handles Parley configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/parley/config.yaml, /etc/parley/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "parley", "config.yaml"))
	}

	paths = append(paths, "/etc/parley/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Parley configuration.
type Config struct {
	Listen      ListenConfig     `yaml:"listen"`
	Speech      SpeechConfig     `yaml:"speech"`
	Runner      RunnerConfig     `yaml:"runner"`
	Health      HealthConfig     `yaml:"health"`
	Reconnect   ReconnectConfig  `yaml:"reconnect"`
	Cancel      CancelConfig     `yaml:"cancel"`
	Approval    ApprovalConfig   `yaml:"approval"`
	Mic         MicConfig        `yaml:"mic"`
	Transcripts TranscriptConfig `yaml:"transcripts"`
	MQTT        MQTTConfig       `yaml:"mqtt"`
	DataDir     string           `yaml:"data_dir"`
	LogLevel    string           `yaml:"log_level"`
	LogFormat   string           `yaml:"log_format"` // "text" (default) or "json"
}

// ListenConfig defines the control surface HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`    // Default: 8080
}

// SpeechConfig defines the hosted real-time speech service connection.
type SpeechConfig struct {
	// BaseURL is the realtime API root (e.g. https://api.openai.com/v1/realtime).
	BaseURL string `yaml:"base_url"`
	// APIKey authenticates session creation. Ephemeral client credentials
	// returned by the service are what the browser actually connects with.
	APIKey string `yaml:"api_key"`
	// Model selects the realtime model for new sessions.
	Model string `yaml:"model"`
	// Voice selects the output voice. Set via session.update after the
	// control channel is established; the creation endpoint rejects it.
	Voice string `yaml:"voice"`
	// Instructions is the system prompt for the voice assistant.
	Instructions string `yaml:"instructions"`
	// SessionCeiling is the hard maximum session duration imposed by the
	// service. There is no native resume past it. Default: 55m.
	SessionCeiling time.Duration `yaml:"session_ceiling"`
	// CredentialTTL is how long an ephemeral client credential stays
	// valid. Credentials are refreshed proactively before expiry, not
	// reactively after a rejection. Default: 60s.
	CredentialTTL time.Duration `yaml:"credential_ttl"`
	// CredentialRefreshMargin is how far before expiry a fresh credential
	// is minted. Default: 15s.
	CredentialRefreshMargin time.Duration `yaml:"credential_refresh_margin"`
}

// Configured reports whether the speech service settings are usable.
func (c SpeechConfig) Configured() bool {
	return c.BaseURL != "" && c.APIKey != ""
}

// RunnerConfig defines the remote tool-execution service connection.
type RunnerConfig struct {
	// URL is the runner's HTTP base (tool invocation, cancellation).
	URL string `yaml:"url"`
	// Token is an optional bearer token for the runner.
	Token string `yaml:"token"`
	// InvokeTimeout bounds a single tool invocation round trip.
	// Default: 60s.
	InvokeTimeout time.Duration `yaml:"invoke_timeout"`
}

// Configured reports whether a runner endpoint is set.
func (c RunnerConfig) Configured() bool {
	return c.URL != ""
}

// HealthConfig holds the health classifier thresholds. These are
// deployment tunables, not constants: a LAN deployment can run much
// tighter staleness windows than a cellular one.
type HealthConfig struct {
	// IdleThreshold is how long without user activity before the service
	// is expected to drop the session. Default: 15m.
	IdleThreshold time.Duration `yaml:"idle_threshold"`
	// WarnStaleness marks the connection "warning" when no protocol
	// event of any kind has arrived for this long. Default: 30s.
	WarnStaleness time.Duration `yaml:"warn_staleness"`
	// CriticalStaleness marks the connection "critical". Default: 120s.
	CriticalStaleness time.Duration `yaml:"critical_staleness"`
	// TickInterval is how often health is re-evaluated even when no
	// events arrive. Default: 5s.
	TickInterval time.Duration `yaml:"tick_interval"`
}

// ReconnectConfig holds the reconnection strategy engine settings.
type ReconnectConfig struct {
	// Strategy is one of manual, auto_immediate, auto_delayed, proactive.
	Strategy string `yaml:"strategy"`
	// KeepaliveEnabled sends periodic low-cost pings to prevent
	// idle-triggered disconnects.
	KeepaliveEnabled bool `yaml:"keepalive_enabled"`
	// KeepaliveInterval is the ping cadence when enabled. Default: 30s.
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	// Delay is the auto_delayed wait before reconnecting. Default: 3s.
	Delay time.Duration `yaml:"delay"`
	// ProactiveMargin is how far before the session ceiling a proactive
	// rotation fires. Default: 5m (so 50m into a 55m session).
	ProactiveMargin time.Duration `yaml:"proactive_margin"`
	// MaxAttemptRetries bounds the dial retries inside one reconnect
	// attempt before the engine degrades to awaiting_user. Default: 5.
	MaxAttemptRetries int `yaml:"max_attempt_retries"`
}

// CancelConfig holds cancellation coordinator settings.
type CancelConfig struct {
	// HoldThreshold separates a short press (graceful cancel) from a
	// press-and-hold (forced cancel). Default: 2s.
	HoldThreshold time.Duration `yaml:"hold_threshold"`
	// AckTimeout bounds the wait for a cancellation acknowledgment
	// before the coordinator gives up with an error. Default: 15s.
	AckTimeout time.Duration `yaml:"ack_timeout"`
}

// ApprovalConfig holds the tool approval gate settings.
type ApprovalConfig struct {
	// Policy is one of auto_approve, safe_only, confirm_dangerous,
	// always_ask. Default: auto_approve, since voice interaction has no
	// surface for reviewing each call.
	Policy string `yaml:"policy"`
	// Timeout bounds how long a confirmation waits for the user before
	// denying. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`
}

// MicConfig holds microphone state machine settings.
type MicConfig struct {
	// UnmuteRestore selects what state unmuting returns to: "premute"
	// restores whatever state mute was entered from (normal or paused),
	// "normal" always returns to normal. Default: premute.
	UnmuteRestore string `yaml:"unmute_restore"`
}

// TranscriptConfig holds transcript store settings.
type TranscriptConfig struct {
	// Enabled turns on session/transcript persistence. Default: true.
	Enabled *bool `yaml:"enabled"`
	// ResumeEntries is the max transcript entries carried forward as
	// context when a session is rotated or resumed. Default: 30.
	ResumeEntries int `yaml:"resume_entries"`
}

// MQTTConfig defines the optional diagnostics publisher. When a broker
// is configured, Parley publishes its health level, disconnect reason,
// and cancellation state as retained sensor topics.
type MQTTConfig struct {
	Broker     string `yaml:"broker"` // e.g. mqtt://broker.local:1883
	Username   string `yaml:"username"`
	Password   string `yaml:"password"`
	DeviceName string `yaml:"device_name"` // Default: "parley"
	// DiscoveryPrefix is the Home Assistant discovery topic prefix.
	// Default: "homeassistant".
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	// PublishInterval is the periodic state publish cadence. Default: 30s.
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// Load reads configuration from a YAML file. Environment variables in
// the file (e.g. ${OPENAI_API_KEY}) are expanded before parsing.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ReconnectStrategies lists the accepted reconnect.strategy values.
var ReconnectStrategies = []string{"manual", "auto_immediate", "auto_delayed", "proactive"}

// ApprovalPolicies lists the accepted approval.policy values.
var ApprovalPolicies = []string{"auto_approve", "safe_only", "confirm_dangerous", "always_ask"}

// Validate applies defaults and rejects invalid settings. It is called
// by Load but exported so tests can construct configs directly.
func (c *Config) Validate() error {
	if c.Listen.Port == 0 {
		c.Listen.Port = 8080
	}
	if c.DataDir == "" {
		c.DataDir = "./data"
	}
	if c.LogLevel != "" {
		if _, err := ParseLogLevel(c.LogLevel); err != nil {
			return err
		}
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q (expected text or json)", c.LogFormat)
	}

	if c.Speech.Model == "" {
		c.Speech.Model = "gpt-realtime"
	}
	if c.Speech.Voice == "" {
		c.Speech.Voice = "marin"
	}
	if c.Speech.SessionCeiling <= 0 {
		c.Speech.SessionCeiling = 55 * time.Minute
	}
	if c.Speech.CredentialTTL <= 0 {
		c.Speech.CredentialTTL = 60 * time.Second
	}
	if c.Speech.CredentialRefreshMargin <= 0 {
		c.Speech.CredentialRefreshMargin = 15 * time.Second
	}
	if c.Speech.CredentialRefreshMargin >= c.Speech.CredentialTTL {
		return fmt.Errorf("speech.credential_refresh_margin (%v) must be below credential_ttl (%v)",
			c.Speech.CredentialRefreshMargin, c.Speech.CredentialTTL)
	}

	if c.Runner.InvokeTimeout <= 0 {
		c.Runner.InvokeTimeout = 60 * time.Second
	}

	if c.Health.IdleThreshold <= 0 {
		c.Health.IdleThreshold = 15 * time.Minute
	}
	if c.Health.WarnStaleness <= 0 {
		c.Health.WarnStaleness = 30 * time.Second
	}
	if c.Health.CriticalStaleness <= 0 {
		c.Health.CriticalStaleness = 120 * time.Second
	}
	if c.Health.CriticalStaleness <= c.Health.WarnStaleness {
		return fmt.Errorf("health.critical_staleness (%v) must exceed warn_staleness (%v)",
			c.Health.CriticalStaleness, c.Health.WarnStaleness)
	}
	if c.Health.TickInterval <= 0 {
		c.Health.TickInterval = 5 * time.Second
	}

	if c.Reconnect.Strategy == "" {
		c.Reconnect.Strategy = "auto_delayed"
	}
	if !validStrategy(c.Reconnect.Strategy) {
		return fmt.Errorf("unknown reconnect.strategy %q (valid: %v)", c.Reconnect.Strategy, ReconnectStrategies)
	}
	if c.Reconnect.KeepaliveInterval <= 0 {
		c.Reconnect.KeepaliveInterval = 30 * time.Second
	}
	if c.Reconnect.Delay <= 0 {
		c.Reconnect.Delay = 3 * time.Second
	}
	if c.Reconnect.ProactiveMargin <= 0 {
		c.Reconnect.ProactiveMargin = 5 * time.Minute
	}
	if c.Reconnect.ProactiveMargin >= c.Speech.SessionCeiling {
		return fmt.Errorf("reconnect.proactive_margin (%v) must be below speech.session_ceiling (%v)",
			c.Reconnect.ProactiveMargin, c.Speech.SessionCeiling)
	}
	if c.Reconnect.MaxAttemptRetries <= 0 {
		c.Reconnect.MaxAttemptRetries = 5
	}

	if c.Cancel.HoldThreshold <= 0 {
		c.Cancel.HoldThreshold = 2 * time.Second
	}
	if c.Cancel.AckTimeout <= 0 {
		c.Cancel.AckTimeout = 15 * time.Second
	}

	if c.Approval.Policy == "" {
		c.Approval.Policy = "auto_approve"
	}
	if !validPolicy(c.Approval.Policy) {
		return fmt.Errorf("unknown approval.policy %q (valid: %v)", c.Approval.Policy, ApprovalPolicies)
	}
	if c.Approval.Timeout <= 0 {
		c.Approval.Timeout = 30 * time.Second
	}

	switch c.Mic.UnmuteRestore {
	case "":
		c.Mic.UnmuteRestore = "premute"
	case "premute", "normal":
	default:
		return fmt.Errorf("unknown mic.unmute_restore %q (expected premute or normal)", c.Mic.UnmuteRestore)
	}

	if c.Transcripts.Enabled == nil {
		t := true
		c.Transcripts.Enabled = &t
	}
	if c.Transcripts.ResumeEntries <= 0 {
		c.Transcripts.ResumeEntries = 30
	}

	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			c.MQTT.DeviceName = "parley"
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
		if c.MQTT.PublishInterval <= 0 {
			c.MQTT.PublishInterval = 30 * time.Second
		}
	}

	return nil
}

func validStrategy(s string) bool {
	for _, v := range ReconnectStrategies {
		if s == v {
			return true
		}
	}
	return false
}

func validPolicy(s string) bool {
	for _, v := range ApprovalPolicies {
		if s == v {
			return true
		}
	}
	return false
}
