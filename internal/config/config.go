package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type APIKey struct {
	Name string `yaml:"name"`
	Key  string `yaml:"key"`
	Role string `yaml:"role"`
}

// Duration decodes "90s" / "5m" style values, or a bare integer of seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if parsed, err := time.ParseDuration(raw); err == nil {
		*d = Duration(parsed)
		return nil
	}
	var secs int
	if err := value.Decode(&secs); err != nil {
		return fmt.Errorf("invalid duration %q", raw)
	}
	*d = Duration(time.Duration(secs) * time.Second)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type TwilioConfig struct {
	AccountSID         string  `yaml:"account_sid"`
	AuthToken          string  `yaml:"auth_token"`
	FromNumber         string  `yaml:"from_number"`
	WebhookBaseURL     string  `yaml:"webhook_base_url"`
	ValidateSignatures bool    `yaml:"validate_signatures"`
	RingTimeoutSeconds int     `yaml:"ring_timeout_seconds"`
	CallsPerSecond     float64 `yaml:"calls_per_second"`
	Burst              int     `yaml:"burst"`
}

type WakeupConfig struct {
	PersistentEnabled bool     `yaml:"persistent_enabled"`
	MaxAttempts       int      `yaml:"max_attempts"`
	RetryDelay        Duration `yaml:"retry_delay"`
	AttemptTimeout    Duration `yaml:"attempt_timeout"`
	SMSFallback       bool     `yaml:"sms_fallback"`
	ConfirmDigit      string   `yaml:"confirm_digit"`
	FallbackKeyword   string   `yaml:"fallback_keyword"`
	GatherTimeout     int      `yaml:"gather_timeout_seconds"`
}

type SchedulerConfig struct {
	PollInterval       Duration `yaml:"poll_interval"`
	BatchSize          int      `yaml:"batch_size"`
	ReminderRetryDelay Duration `yaml:"reminder_retry_delay"`
	DefaultMaxRetries  int      `yaml:"default_max_retries"`
}

type ConversationConfig struct {
	MaxTurns         int      `yaml:"max_turns"`
	GeneratorTimeout Duration `yaml:"generator_timeout"`
	OpenAIAPIKey     string   `yaml:"openai_api_key"`
	OpenAIModel      string   `yaml:"openai_model"`
	Voice            string   `yaml:"voice"`
}

type EventsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type Config struct {
	ListenAddr   string             `yaml:"listen_addr"`
	DBDSN        string             `yaml:"db_dsn"`
	APIKeys      []APIKey           `yaml:"api_keys"`
	Twilio       TwilioConfig       `yaml:"twilio"`
	Wakeup       WakeupConfig       `yaml:"wakeup"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Conversation ConversationConfig `yaml:"conversation"`
	Events       EventsConfig       `yaml:"events"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// Env overrides for secrets that should not live in the config file.
const (
	EnvDBDSN           = "VOIPNOTIFY_DB_DSN"
	EnvTwilioAuthToken = "VOIPNOTIFY_TWILIO_AUTH_TOKEN"
	EnvOpenAIAPIKey    = "VOIPNOTIFY_OPENAI_API_KEY"
)

func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	cfg := Default()
	dec := yaml.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	applyEnv(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default mirrors the settings the service shipped with: five wake-up
// attempts five minutes apart with an SMS fallback.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		Twilio: TwilioConfig{
			ValidateSignatures: true,
			RingTimeoutSeconds: 30,
			CallsPerSecond:     1,
			Burst:              5,
		},
		Wakeup: WakeupConfig{
			PersistentEnabled: true,
			MaxAttempts:       5,
			RetryDelay:        Duration(5 * time.Minute),
			AttemptTimeout:    Duration(2 * time.Minute),
			SMSFallback:       true,
			ConfirmDigit:      "1",
			FallbackKeyword:   "awake",
			GatherTimeout:     15,
		},
		Scheduler: SchedulerConfig{
			PollInterval:       Duration(15 * time.Second),
			BatchSize:          100,
			ReminderRetryDelay: Duration(5 * time.Minute),
			DefaultMaxRetries:  3,
		},
		Conversation: ConversationConfig{
			MaxTurns:         6,
			GeneratorTimeout: Duration(4 * time.Second),
			OpenAIModel:      "gpt-4o-mini",
			Voice:            "alice",
		},
		Events: EventsConfig{
			SubjectPrefix: "voip",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv(EnvDBDSN); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv(EnvTwilioAuthToken); v != "" {
		cfg.Twilio.AuthToken = v
	}
	if v := os.Getenv(EnvOpenAIAPIKey); v != "" {
		cfg.Conversation.OpenAIAPIKey = v
	}
}

func (c *Config) Validate() error {
	var errs []error
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Wakeup.MaxAttempts < 1 {
		errs = append(errs, errors.New("wakeup.max_attempts must be at least 1"))
	}
	if c.Wakeup.RetryDelay < 0 || c.Wakeup.AttemptTimeout <= 0 {
		errs = append(errs, errors.New("wakeup.retry_delay must be >= 0 and wakeup.attempt_timeout > 0"))
	}
	if len(c.Wakeup.ConfirmDigit) != 1 {
		errs = append(errs, errors.New("wakeup.confirm_digit must be a single key"))
	}
	if c.Scheduler.PollInterval <= 0 {
		errs = append(errs, errors.New("scheduler.poll_interval must be positive"))
	}
	if c.Scheduler.BatchSize <= 0 {
		c.Scheduler.BatchSize = 100
	}
	if c.Conversation.MaxTurns < 1 {
		errs = append(errs, errors.New("conversation.max_turns must be at least 1"))
	}
	return errors.Join(errs...)
}
