// Package config handles Kindred configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks a configuration problem that must stop startup:
// missing recipient, missing credentials, or an unusable value.
var ErrConfig = errors.New("invalid configuration")

// DefaultSearchPaths returns the config file search order used when no
// explicit -config flag is given: ./config.yaml,
// ~/.config/kindred/config.yaml, /etc/kindred/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "kindred", "config.yaml"))
	}

	paths = append(paths, "/etc/kindred/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
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

// Config holds all Kindred configuration.
type Config struct {
	Listen      ListenConfig            `yaml:"listen"`
	LogLevel    string                  `yaml:"log_level"`
	LogFormat   string                  `yaml:"log_format"`
	DataDir     string                  `yaml:"data_dir"`
	Timezone    string                  `yaml:"timezone"`
	PersonaFile string                  `yaml:"persona_file"`
	Recipient   RecipientConfig         `yaml:"recipient"`
	Prompts     PromptsConfig           `yaml:"prompts"`
	LLM         LLMConfig               `yaml:"llm"`
	Memory      MemoryConfig            `yaml:"memory"`
	Scheduler   SchedulerConfig         `yaml:"scheduler"`
	Transport   TransportConfig         `yaml:"transport"`
	Twilio      TwilioConfig            `yaml:"twilio"`
	Signal      SignalConfig            `yaml:"signal"`
	MQTT        MQTTConfig              `yaml:"mqtt"`
	Pricing     map[string]PricingEntry `yaml:"pricing"`
}

// ListenConfig defines the HTTP server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// RecipientConfig names the single counterpart Kindred talks to. Only
// inbound messages from Address are answered, and every unprompted
// message is delivered there.
type RecipientConfig struct {
	Address string `yaml:"address"` // E.164 phone number, e.g. +15551234567
	Name    string `yaml:"name"`
}

// PromptsConfig holds the prompt templates. System is the persona used
// for every request (overridden by persona_file when set); Day and
// Night seed the unprompted messages.
type PromptsConfig struct {
	System string `yaml:"system"`
	Day    string `yaml:"day"`
	Night  string `yaml:"night"`
}

// LLMConfig configures the OpenAI-compatible chat completion endpoint.
type LLMConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKey      string `yaml:"api_key"`
	Model       string `yaml:"model"`
	Referer     string `yaml:"referer"` // OpenRouter HTTP-Referer attribution
	Title       string `yaml:"title"`   // OpenRouter X-Title attribution
	TimeoutSec  int    `yaml:"timeout_sec"`
	Structured  *bool  `yaml:"structured"` // multi-part replies with delays (default true)
	MaxDelaySec int    `yaml:"max_delay_sec"`
}

// StructuredReplies reports whether multi-part replies are enabled.
func (c LLMConfig) StructuredReplies() bool {
	return c.Structured == nil || *c.Structured
}

// Timeout returns the generation timeout.
func (c LLMConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSec) * time.Second
}

// MemoryConfig configures the short-term conversation store.
type MemoryConfig struct {
	MessageTTLSec int `yaml:"message_ttl_sec"`
}

// TTL returns the message lifetime.
func (c MemoryConfig) TTL() time.Duration {
	return time.Duration(c.MessageTTLSec) * time.Second
}

// SchedulerConfig configures the daily plan and the periodic driver.
// Window bounds are "HH:MM" strings; "24:00" is accepted as an end.
type SchedulerConfig struct {
	DayWindowStart     string `yaml:"day_window_start"`
	DayWindowEnd       string `yaml:"day_window_end"`
	NightWindowStart   string `yaml:"night_window_start"`
	NightWindowEnd     string `yaml:"night_window_end"`
	ToleranceMin       *int   `yaml:"tolerance_min"` // 0 = exact minute; unset = 5
	MinMessages        int    `yaml:"min_messages"`
	MaxMessages        int    `yaml:"max_messages"`
	TickIntervalSec    int    `yaml:"tick_interval_sec"`
	CleanupIntervalSec int    `yaml:"cleanup_interval_sec"`
	Seed               uint64 `yaml:"seed"` // 0 = seed from the clock
}

// Tolerance returns the allowed distance in minutes between a planned
// time and the tick that sends it.
func (c SchedulerConfig) Tolerance() int {
	if c.ToleranceMin == nil {
		return defaultToleranceMin
	}
	return *c.ToleranceMin
}

// TickInterval returns the scheduler tick cadence.
func (c SchedulerConfig) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalSec) * time.Second
}

// CleanupInterval returns the memory sweep cadence.
func (c SchedulerConfig) CleanupInterval() time.Duration {
	return time.Duration(c.CleanupIntervalSec) * time.Second
}

// Transport kinds.
const (
	TransportTwilio = "twilio"
	TransportSignal = "signal"
)

// Outbound formats.
const (
	FormatWhatsApp = "whatsapp"
	FormatPlain    = "plain"
)

// TransportConfig selects the messaging channel and outbound markup.
type TransportConfig struct {
	Kind   string `yaml:"kind"`   // twilio (default) or signal
	Format string `yaml:"format"` // whatsapp or plain
}

// TwilioConfig defines the Twilio WhatsApp settings.
type TwilioConfig struct {
	AccountSID        string `yaml:"account_sid"`
	AuthToken         string `yaml:"auth_token"`
	From              string `yaml:"from"`
	BaseURL           string `yaml:"base_url"`
	ValidateSignature bool   `yaml:"validate_signature"`
	// PublicURL is the externally visible webhook URL Twilio signs.
	// Required when ValidateSignature is set.
	PublicURL string `yaml:"public_url"`
}

// SignalConfig defines the signal-cli subprocess settings.
type SignalConfig struct {
	Command            string   `yaml:"command"`
	Args               []string `yaml:"args"`
	RateLimitPerMinute int      `yaml:"rate_limit_per_minute"`
}

// MQTTConfig defines the Home Assistant MQTT status publisher.
type MQTTConfig struct {
	Broker             string `yaml:"broker"` // mqtt://host:1883 or mqtts://host:8883
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	DeviceName         string `yaml:"device_name"`
	DiscoveryPrefix    string `yaml:"discovery_prefix"`
	PublishIntervalSec int    `yaml:"publish_interval_sec"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// PricingEntry is the USD cost per million tokens for one model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// Defaults for fields left empty in the YAML file.
const (
	DefaultPort            = 3000
	DefaultBaseURL         = "https://openrouter.ai/api/v1"
	DefaultModel           = "meta-llama/llama-3.3-8b-instruct:free"
	DefaultTwilioFrom      = "whatsapp:+14155238886"
	DefaultSystemPrompt    = "You are a warm, caring companion. Reply like a real person in a casual chat: short, natural, no lists."
	DefaultDayPrompt       = "Send a short, spontaneous message to check in, share a small thought, or ask about their day. "
	DefaultNightPrompt     = "It is late in the evening. Send a short, gentle good-night message. "
	defaultTTLSec          = 3600
	defaultToleranceMin    = 5
	defaultTickSec         = 60
	defaultCleanupSec      = 300
	defaultLLMTimeoutSec   = 30
	defaultMaxDelaySec     = 30
	defaultPublishInterval = 60
)

// Load reads configuration from a YAML file, expanding ${VAR}
// references from the environment, then fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if cfg.PersonaFile != "" {
		// Relative persona paths are resolved against the config file.
		if !filepath.IsAbs(cfg.PersonaFile) {
			cfg.PersonaFile = filepath.Join(filepath.Dir(path), cfg.PersonaFile)
		}
		persona, err := os.ReadFile(cfg.PersonaFile)
		if err != nil {
			return nil, fmt.Errorf("read persona file: %w", err)
		}
		cfg.Prompts.System = strings.TrimSpace(string(persona))
	}

	return cfg, nil
}

// Default returns a configuration with every default applied and no
// credentials.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = DefaultBaseURL
	}
	if c.LLM.Model == "" {
		c.LLM.Model = DefaultModel
	}
	if c.LLM.TimeoutSec == 0 {
		c.LLM.TimeoutSec = defaultLLMTimeoutSec
	}
	if c.LLM.MaxDelaySec == 0 {
		c.LLM.MaxDelaySec = defaultMaxDelaySec
	}
	if c.Prompts.System == "" {
		c.Prompts.System = DefaultSystemPrompt
	}
	if c.Prompts.Day == "" {
		c.Prompts.Day = DefaultDayPrompt
	}
	if c.Prompts.Night == "" {
		c.Prompts.Night = DefaultNightPrompt
	}
	if c.Memory.MessageTTLSec == 0 {
		c.Memory.MessageTTLSec = defaultTTLSec
	}

	s := &c.Scheduler
	if s.DayWindowStart == "" {
		s.DayWindowStart = "10:00"
	}
	if s.DayWindowEnd == "" {
		s.DayWindowEnd = "21:00"
	}
	if s.NightWindowStart == "" {
		s.NightWindowStart = "22:00"
	}
	if s.NightWindowEnd == "" {
		s.NightWindowEnd = "24:00"
	}
	if s.ToleranceMin == nil {
		tolerance := defaultToleranceMin
		s.ToleranceMin = &tolerance
	}
	if s.MinMessages == 0 {
		s.MinMessages = 2
	}
	if s.MaxMessages == 0 {
		s.MaxMessages = 3
	}
	if s.TickIntervalSec == 0 {
		s.TickIntervalSec = defaultTickSec
	}
	if s.CleanupIntervalSec == 0 {
		s.CleanupIntervalSec = defaultCleanupSec
	}

	if c.Transport.Kind == "" {
		c.Transport.Kind = TransportTwilio
	}
	if c.Transport.Format == "" {
		if c.Transport.Kind == TransportSignal {
			c.Transport.Format = FormatPlain
		} else {
			c.Transport.Format = FormatWhatsApp
		}
	}
	if c.Twilio.From == "" {
		c.Twilio.From = DefaultTwilioFrom
	}
	if c.Signal.Command == "" {
		c.Signal.Command = "signal-cli"
	}

	if c.MQTT.DeviceName == "" {
		c.MQTT.DeviceName = "kindred"
	}
	if c.MQTT.DiscoveryPrefix == "" {
		c.MQTT.DiscoveryPrefix = "homeassistant"
	}
	if c.MQTT.PublishIntervalSec == 0 {
		c.MQTT.PublishIntervalSec = defaultPublishInterval
	}
}

// Validate checks the configuration for problems that must stop
// startup. Every returned error wraps [ErrConfig]; all problems are
// reported together.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrConfig}, args...)...))
	}

	if c.Recipient.Address == "" {
		fail("recipient.address is required")
	}
	if c.LLM.APIKey == "" {
		fail("llm.api_key is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		fail("log_level: %v", err)
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		fail("log_format: %v", err)
	}
	if _, err := c.Location(); err != nil {
		fail("timezone: %v", err)
	}
	if c.Memory.MessageTTLSec < 0 {
		fail("memory.message_ttl_sec must be positive")
	}

	switch c.Transport.Kind {
	case TransportTwilio:
		if c.Twilio.AccountSID == "" || c.Twilio.AuthToken == "" {
			fail("twilio.account_sid and twilio.auth_token are required for transport twilio")
		}
		if c.Twilio.ValidateSignature && c.Twilio.PublicURL == "" {
			fail("twilio.public_url is required when twilio.validate_signature is set")
		}
	case TransportSignal:
		if len(c.Signal.Args) == 0 {
			fail("signal.args is required for transport signal (e.g. [-a, +1555..., jsonRpc])")
		}
	default:
		fail("transport.kind %q (valid: twilio, signal)", c.Transport.Kind)
	}
	switch c.Transport.Format {
	case FormatWhatsApp, FormatPlain:
	default:
		fail("transport.format %q (valid: whatsapp, plain)", c.Transport.Format)
	}

	s := c.Scheduler
	dayStart, dayEnd, err := parseWindow(s.DayWindowStart, s.DayWindowEnd)
	if err != nil {
		fail("scheduler day window: %v", err)
	}
	if _, _, err := parseWindow(s.NightWindowStart, s.NightWindowEnd); err != nil {
		fail("scheduler night window: %v", err)
	}
	if s.Tolerance() < 0 {
		fail("scheduler.tolerance_min must not be negative")
	}
	if s.MinMessages < 1 || s.MinMessages > s.MaxMessages {
		fail("scheduler message count range [%d, %d] is invalid", s.MinMessages, s.MaxMessages)
	}
	if err == nil && s.MaxMessages > dayEnd-dayStart {
		fail("scheduler.max_messages %d exceeds the %d minutes in the day window", s.MaxMessages, dayEnd-dayStart)
	}
	if s.TickIntervalSec < 0 || s.CleanupIntervalSec < 0 {
		fail("scheduler intervals must be positive")
	}

	return errors.Join(errs...)
}

// Location resolves the configured IANA timezone. Empty means the
// process-local zone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Timezone)
}

// Windows returns the day and night windows as minute-of-day ranges.
// Call after Validate.
func (c *Config) Windows() (dayStart, dayEnd, nightStart, nightEnd int) {
	dayStart, dayEnd, _ = parseWindow(c.Scheduler.DayWindowStart, c.Scheduler.DayWindowEnd)
	nightStart, nightEnd, _ = parseWindow(c.Scheduler.NightWindowStart, c.Scheduler.NightWindowEnd)
	return dayStart, dayEnd, nightStart, nightEnd
}

func parseWindow(start, end string) (int, int, error) {
	s, err := ParseMinuteOfDay(start)
	if err != nil {
		return 0, 0, err
	}
	e, err := ParseMinuteOfDay(end)
	if err != nil {
		return 0, 0, err
	}
	if s >= e {
		return 0, 0, fmt.Errorf("start %s must be before end %s", start, end)
	}
	return s, e, nil
}

// ParseMinuteOfDay converts "HH:MM" to minutes since midnight. "24:00"
// is accepted and yields 1440 so a window can run to the end of day.
func ParseMinuteOfDay(s string) (int, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return 0, fmt.Errorf("time %q is not HH:MM", s)
	}
	h, err := strconv.Atoi(hh)
	if err != nil {
		return 0, fmt.Errorf("time %q: bad hour", s)
	}
	m, err := strconv.Atoi(mm)
	if err != nil || len(mm) != 2 {
		return 0, fmt.Errorf("time %q: bad minute", s)
	}
	if h == 24 && m == 0 {
		return 24 * 60, nil
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, fmt.Errorf("time %q out of range", s)
	}
	return h*60 + m, nil
}
