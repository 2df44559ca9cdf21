package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

const (
	DefaultQuestionThreshold    = 0.7
	DefaultAnswerThreshold      = 0.6
	DefaultSimilarityThreshold  = 0.8
	DefaultBufferSize           = 10
	DefaultContextMessages      = 5
	DefaultClusterLookbackHours = 72
	DefaultSettleDelay          = "2s"
	DefaultDrainGrace           = "10s"
	DefaultOracleModel          = "gpt-4o-mini"
	DefaultOracleBaseURL        = "https://api.openai.com/v1"
	DefaultOracleMaxTokens      = 200
	DefaultStorageDriver        = "sqlite"
	DefaultFAQSchedule          = "0 0 6 * * *"
	DefaultStatsSchedule        = "0 0 * * * *"
)

type Config struct {
	Oracle  OracleConfig  `json:"oracle"`
	Storage StorageConfig `json:"storage"`
	Sources SourcesConfig `json:"sources"`
	Monitor MonitorConfig `json:"monitor"`
	Output  OutputConfig  `json:"output"`
}

type OracleConfig struct {
	APIKey    string `json:"apiKey"`
	BaseURL   string `json:"baseUrl,omitempty"`
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"maxTokens,omitempty"`
}

// StorageConfig selects the store backend. Driver is "sqlite" (Path) or
// "postgres" (URL).
type StorageConfig struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
	URL    string `json:"url,omitempty"`
}

type SourcesConfig struct {
	Slack    SlackConfig    `json:"slack"`
	Telegram TelegramConfig `json:"telegram"`
}

type SlackConfig struct {
	Enabled  bool   `json:"enabled"`
	AppToken string `json:"appToken"` // xapp- token for Socket Mode
	APIToken string `json:"apiToken"` // xoxb-/xoxp- token for the Web API
}

type TelegramConfig struct {
	Enabled   bool     `json:"enabled"`
	Token     string   `json:"token"`
	AllowFrom []string `json:"allowFrom,omitempty"`
}

type MonitorConfig struct {
	QuestionThreshold    float64 `json:"questionThreshold"`
	AnswerThreshold      float64 `json:"answerThreshold"`
	SimilarityThreshold  float64 `json:"similarityThreshold"`
	BufferSize           int     `json:"bufferSize"`
	ContextMessages      int     `json:"contextMessages"`
	ClusterLookbackHours int     `json:"clusterLookbackHours"`
	SettleDelay          string  `json:"settleDelay"`
	DrainGrace           string  `json:"drainGrace"`
}

type OutputConfig struct {
	Dir           string `json:"dir"`
	FAQSchedule   string `json:"faqSchedule,omitempty"`
	StatsSchedule string `json:"statsSchedule,omitempty"`
}

func DefaultConfig() *Config {
	return &Config{
		Oracle: OracleConfig{
			BaseURL:   DefaultOracleBaseURL,
			Model:     DefaultOracleModel,
			MaxTokens: DefaultOracleMaxTokens,
		},
		Storage: StorageConfig{
			Driver: DefaultStorageDriver,
			Path:   filepath.Join(ConfigDir(), "data", "qa.db"),
		},
		Monitor: MonitorConfig{
			QuestionThreshold:    DefaultQuestionThreshold,
			AnswerThreshold:      DefaultAnswerThreshold,
			SimilarityThreshold:  DefaultSimilarityThreshold,
			BufferSize:           DefaultBufferSize,
			ContextMessages:      DefaultContextMessages,
			ClusterLookbackHours: DefaultClusterLookbackHours,
			SettleDelay:          DefaultSettleDelay,
			DrainGrace:           DefaultDrainGrace,
		},
		Output: OutputConfig{
			Dir:           filepath.Join(ConfigDir(), "out"),
			FAQSchedule:   DefaultFAQSchedule,
			StatsSchedule: DefaultStatsSchedule,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".qamon")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

func LoadConfig() (*Config, error) {
	return loadConfigFrom(ConfigPath())
}

func loadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if key := os.Getenv("QAMON_ORACLE_API_KEY"); key != "" {
		cfg.Oracle.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Oracle.APIKey == "" {
		cfg.Oracle.APIKey = key
	}
	if url := os.Getenv("QAMON_ORACLE_BASE_URL"); url != "" {
		cfg.Oracle.BaseURL = url
	}
	if model := os.Getenv("QAMON_ORACLE_MODEL"); model != "" {
		cfg.Oracle.Model = model
	}

	if driver := os.Getenv("QAMON_STORAGE_DRIVER"); driver != "" {
		cfg.Storage.Driver = driver
	}
	if path := os.Getenv("QAMON_DB_PATH"); path != "" {
		cfg.Storage.Path = path
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		cfg.Storage.URL = url
		if os.Getenv("QAMON_STORAGE_DRIVER") == "" {
			cfg.Storage.Driver = "postgres"
		}
	}

	if token := os.Getenv("SLACK_APP_TOKEN"); token != "" {
		cfg.Sources.Slack.AppToken = token
	}
	// Prefer the user token when both are present; it has broader read access.
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		cfg.Sources.Slack.APIToken = token
	}
	if token := os.Getenv("SLACK_USER_TOKEN"); token != "" {
		cfg.Sources.Slack.APIToken = token
	}
	if token := os.Getenv("QAMON_TELEGRAM_TOKEN"); token != "" {
		cfg.Sources.Telegram.Token = token
	}

	if v := os.Getenv("QAMON_ANSWER_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.AnswerThreshold = parsed
		}
	}
	if v := os.Getenv("QAMON_QUESTION_THRESHOLD"); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Monitor.QuestionThreshold = parsed
		}
	}
	if v := os.Getenv("QAMON_SETTLE_DELAY"); v != "" {
		cfg.Monitor.SettleDelay = v
	}
	if dir := os.Getenv("QAMON_OUTPUT_DIR"); dir != "" {
		cfg.Output.Dir = dir
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Oracle.BaseURL == "" {
		cfg.Oracle.BaseURL = DefaultOracleBaseURL
	}
	if cfg.Oracle.Model == "" {
		cfg.Oracle.Model = DefaultOracleModel
	}
	if cfg.Oracle.MaxTokens <= 0 {
		cfg.Oracle.MaxTokens = DefaultOracleMaxTokens
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if cfg.Storage.Path == "" {
		cfg.Storage.Path = DefaultConfig().Storage.Path
	}
	if cfg.Monitor.BufferSize <= 0 {
		cfg.Monitor.BufferSize = DefaultBufferSize
	}
	if cfg.Monitor.ContextMessages <= 0 {
		cfg.Monitor.ContextMessages = DefaultContextMessages
	}
	if cfg.Monitor.ClusterLookbackHours <= 0 {
		cfg.Monitor.ClusterLookbackHours = DefaultClusterLookbackHours
	}
	if cfg.Monitor.AnswerThreshold <= 0 {
		cfg.Monitor.AnswerThreshold = DefaultAnswerThreshold
	}
	if cfg.Monitor.QuestionThreshold <= 0 {
		cfg.Monitor.QuestionThreshold = DefaultQuestionThreshold
	}
	if cfg.Monitor.SimilarityThreshold <= 0 {
		cfg.Monitor.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if cfg.Monitor.SettleDelay == "" {
		cfg.Monitor.SettleDelay = DefaultSettleDelay
	}
	if cfg.Monitor.DrainGrace == "" {
		cfg.Monitor.DrainGrace = DefaultDrainGrace
	}
	if cfg.Output.Dir == "" {
		cfg.Output.Dir = DefaultConfig().Output.Dir
	}
	if cfg.Output.FAQSchedule == "" {
		cfg.Output.FAQSchedule = DefaultFAQSchedule
	}
	if cfg.Output.StatsSchedule == "" {
		cfg.Output.StatsSchedule = DefaultStatsSchedule
	}
}

// Validate reports missing required credentials. These are the only fatal
// startup errors; everything else degrades at runtime.
func (c *Config) Validate() error {
	if c.Oracle.APIKey == "" {
		return fmt.Errorf("oracle api key not set (QAMON_ORACLE_API_KEY or OPENAI_API_KEY)")
	}
	if c.Sources.Slack.Enabled {
		if c.Sources.Slack.AppToken == "" {
			return fmt.Errorf("slack source enabled but app token not set (SLACK_APP_TOKEN)")
		}
		if c.Sources.Slack.APIToken == "" {
			return fmt.Errorf("slack source enabled but api token not set (SLACK_BOT_TOKEN or SLACK_USER_TOKEN)")
		}
	}
	if c.Sources.Telegram.Enabled && c.Sources.Telegram.Token == "" {
		return fmt.Errorf("telegram source enabled but token not set (QAMON_TELEGRAM_TOKEN)")
	}
	if c.Storage.Driver == "postgres" && c.Storage.URL == "" {
		return fmt.Errorf("postgres storage selected but url not set (DATABASE_URL)")
	}
	if c.Storage.Driver != "sqlite" && c.Storage.Driver != "postgres" {
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// SettleDelayDuration returns the parsed settle delay, falling back to the
// default when the configured value is malformed.
func (m MonitorConfig) SettleDelayDuration() time.Duration {
	if d, err := time.ParseDuration(m.SettleDelay); err == nil && d >= 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultSettleDelay)
	return d
}

func (m MonitorConfig) DrainGraceDuration() time.Duration {
	if d, err := time.ParseDuration(m.DrainGrace); err == nil && d >= 0 {
		return d
	}
	d, _ := time.ParseDuration(DefaultDrainGrace)
	return d
}

func (m MonitorConfig) ClusterLookback() time.Duration {
	return time.Duration(m.ClusterLookbackHours) * time.Hour
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
