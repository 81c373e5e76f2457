package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/soaringjerry/homophily/internal/models"
	"github.com/soaringjerry/homophily/internal/utils"
)

//go:embed default_study.yaml
var defaultStudyYAML []byte

// Config holds all server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Storage  StorageConfig  `yaml:"storage"`
	Provider ProviderConfig `yaml:"provider"`
	Auth     AuthConfig     `yaml:"auth"`
	Log      LogConfig      `yaml:"log"`
	Study    Study          `yaml:"study"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	StaticDir      string   `yaml:"static_dir"`
	DevFrontendURL string   `yaml:"dev_frontend_url"`
	AllowedOrigins []string `yaml:"allowed_origins"`
	// ChatPerMinute bounds chat requests per participant; 0 disables the limiter.
	ChatPerMinute   int      `yaml:"chat_per_minute"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	Commit          string   `yaml:"-"`
	BuildTime       string   `yaml:"-"`
}

type StorageConfig struct {
	// SQLitePath selects the SQLite store; empty keeps everything in memory.
	SQLitePath    string `yaml:"sqlite_path"`
	MigrationsDir string `yaml:"migrations_dir"`
	// LegacyCSVDir holds participants.csv, messages.csv and ratings.csv from the CSV deployment.
	LegacyCSVDir string `yaml:"legacy_csv_dir"`
}

// ProviderConfig configures the OpenAI-compatible completion backend.
type ProviderConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	Model         string   `yaml:"model"`
	Temperature   float64  `yaml:"temperature"`
	MaxTokens     int      `yaml:"max_tokens"`
	StreamTimeout Duration `yaml:"stream_timeout"`
}

type AuthConfig struct {
	JWTSecret   string   `yaml:"jwt_secret"`
	TokenTTL    Duration `yaml:"token_ttl"`
	AdminSecret string   `yaml:"admin_secret"`
}

type LogConfig struct {
	Mode string `yaml:"mode"` // dev or prod
}

// Study is the closed description of the experiment. It is treated as immutable once loaded.
type Study struct {
	MessagesRequired int            `yaml:"messages_required"`
	Decimals         int            `yaml:"decimals"`
	Scale            LikertScale    `yaml:"scale"`
	Questionnaire    Questionnaire  `yaml:"questionnaire"`
	Outlier          OutlierRule    `yaml:"outlier"`
	Topics           []models.Topic `yaml:"topics"`
	Personas         []Persona      `yaml:"personas"`
	Rating           RatingConfig   `yaml:"rating"`
}

type LikertScale struct {
	Min int `yaml:"min" json:"min"`
	Max int `yaml:"max" json:"max"`
}

// Contains reports whether v is a valid answer on the scale.
func (s LikertScale) Contains(v int) bool { return v >= s.Min && v <= s.Max }

type Questionnaire struct {
	Items      []QuestionItem `yaml:"items"`
	Dimensions []Dimension    `yaml:"dimensions"`
}

type QuestionItem struct {
	ID      string `yaml:"id" json:"id"`
	Text    string `yaml:"text" json:"text"`
	Reverse bool   `yaml:"reverse" json:"-"`
}

type Dimension struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

const (
	OutlierModeAll = "all"
	OutlierModeAny = "any"
)

// OutlierRule flags participants whose homophily dimensions sit at or below Threshold.
type OutlierRule struct {
	Dimensions []string `yaml:"dimensions"`
	Threshold  float64  `yaml:"threshold"`
	Mode       string   `yaml:"mode"`
}

type Persona struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Prompt string `yaml:"prompt"`
}

// Instructions renders the persona prompt for a topic title.
func (p Persona) Instructions(topicTitle string) string {
	return strings.ReplaceAll(p.Prompt, "{topic}", topicTitle)
}

type RatingConfig struct {
	Questions       []RatingQuestion `yaml:"questions"`
	Aggregates      []Aggregate      `yaml:"aggregates"`
	MaxOpenResponse int              `yaml:"max_open_response"`
}

type RatingQuestion struct {
	ID   string `yaml:"id" json:"id"`
	Text string `yaml:"text" json:"text"`
}

// Aggregate is the mean of a subset of rating items.
type Aggregate struct {
	Name  string   `yaml:"name"`
	Items []string `yaml:"items"`
}

// Persona returns the configured persona with the given id.
func (s Study) Persona(id string) (Persona, bool) {
	for _, p := range s.Personas {
		if p.ID == id {
			return p, true
		}
	}
	return Persona{}, false
}

// Duration decodes Go duration strings from YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// DefaultStudy returns the embedded study definition.
func DefaultStudy() Study {
	var st Study
	if err := yaml.Unmarshal(defaultStudyYAML, &st); err != nil {
		panic(fmt.Sprintf("config: embedded study is invalid: %v", err))
	}
	return st
}

// Default returns the configuration used when no file or env overrides are present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ChatPerMinute:   30,
			ShutdownTimeout: Duration{10 * time.Second},
		},
		Provider: ProviderConfig{
			BaseURL:       "https://api.openai.com",
			Model:         "gpt-4o",
			Temperature:   0.7,
			MaxTokens:     500,
			StreamTimeout: Duration{2 * time.Minute},
		},
		Auth: AuthConfig{
			JWTSecret: "homophily-dev-secret",
			TokenTTL:  Duration{24 * time.Hour},
		},
		Log:   LogConfig{Mode: "dev"},
		Study: DefaultStudy(),
	}
}

// Load builds the configuration: defaults, then the YAML file at path (if any), then env overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Server.Addr = utils.SafeEnv("HOMOPHILY_ADDR", c.Server.Addr)
	c.Server.StaticDir = utils.SafeEnv("HOMOPHILY_STATIC_DIR", c.Server.StaticDir)
	c.Server.DevFrontendURL = utils.SafeEnv("HOMOPHILY_DEV_FRONTEND_URL", c.Server.DevFrontendURL)
	c.Server.ChatPerMinute = utils.EnvInt("HOMOPHILY_CHAT_PER_MINUTE", c.Server.ChatPerMinute)
	if origins := utils.SafeEnv("HOMOPHILY_ALLOWED_ORIGINS", ""); origins != "" {
		c.Server.AllowedOrigins = strings.Split(origins, ",")
	}
	c.Server.Commit = utils.SafeEnv("HOMOPHILY_COMMIT", c.Server.Commit)
	c.Server.BuildTime = utils.SafeEnv("HOMOPHILY_BUILD_TIME", c.Server.BuildTime)

	c.Storage.SQLitePath = utils.SafeEnv("HOMOPHILY_SQLITE_PATH", c.Storage.SQLitePath)
	c.Storage.MigrationsDir = utils.SafeEnv("HOMOPHILY_MIGRATIONS_DIR", c.Storage.MigrationsDir)
	c.Storage.LegacyCSVDir = utils.SafeEnv("HOMOPHILY_LEGACY_CSV_DIR", c.Storage.LegacyCSVDir)

	c.Provider.BaseURL = utils.SafeEnv("OPENAI_BASE_URL", c.Provider.BaseURL)
	c.Provider.APIKey = utils.SafeEnv("OPENAI_API_KEY", c.Provider.APIKey)
	c.Provider.Model = utils.SafeEnv("HOMOPHILY_MODEL", c.Provider.Model)
	c.Provider.Temperature = utils.EnvFloat("HOMOPHILY_TEMPERATURE", c.Provider.Temperature)
	c.Provider.MaxTokens = utils.EnvInt("HOMOPHILY_MAX_TOKENS", c.Provider.MaxTokens)
	c.Provider.StreamTimeout.Duration = utils.EnvDuration("HOMOPHILY_STREAM_TIMEOUT", c.Provider.StreamTimeout.Duration)

	c.Auth.JWTSecret = utils.SafeEnv("HOMOPHILY_JWT_SECRET", c.Auth.JWTSecret)
	c.Auth.TokenTTL.Duration = utils.EnvDuration("HOMOPHILY_TOKEN_TTL", c.Auth.TokenTTL.Duration)
	c.Auth.AdminSecret = utils.SafeEnv("ADMIN_SECRET", c.Auth.AdminSecret)

	c.Log.Mode = utils.SafeEnv("HOMOPHILY_LOG_MODE", c.Log.Mode)
	c.Study.MessagesRequired = utils.EnvInt("HOMOPHILY_MESSAGES_REQUIRED", c.Study.MessagesRequired)
}

// Validate checks server-level settings and the structural shape of the study.
// Persona and topic sufficiency is enforced by the condition assigner.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr required"))
	}
	if c.Server.ChatPerMinute < 0 {
		errs = append(errs, errors.New("server.chat_per_minute must be >= 0"))
	}
	if strings.TrimSpace(c.Provider.Model) == "" {
		errs = append(errs, errors.New("provider.model required"))
	}
	if c.Provider.MaxTokens < 0 {
		errs = append(errs, errors.New("provider.max_tokens must be >= 0"))
	}
	if strings.TrimSpace(c.Auth.JWTSecret) == "" {
		errs = append(errs, errors.New("auth.jwt_secret required"))
	}
	if c.Auth.TokenTTL.Duration <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be positive"))
	}
	errs = append(errs, c.Study.validate()...)
	return errors.Join(errs...)
}

func (s Study) validate() []error {
	var errs []error
	if s.MessagesRequired < 1 {
		errs = append(errs, errors.New("study.messages_required must be >= 1"))
	}
	if s.Decimals < 0 || s.Decimals > 6 {
		errs = append(errs, errors.New("study.decimals must be within 0..6"))
	}
	if s.Scale.Min >= s.Scale.Max {
		errs = append(errs, fmt.Errorf("study.scale: min %d must be below max %d", s.Scale.Min, s.Scale.Max))
	}
	items := map[string]bool{}
	for _, it := range s.Questionnaire.Items {
		if it.ID == "" {
			errs = append(errs, errors.New("study.questionnaire: item without id"))
			continue
		}
		if items[it.ID] {
			errs = append(errs, fmt.Errorf("study.questionnaire: duplicate item %q", it.ID))
		}
		items[it.ID] = true
	}
	dims := map[string]bool{}
	for _, d := range s.Questionnaire.Dimensions {
		if _, ok := (models.TraitProfile{}).Dimension(d.Name); !ok {
			errs = append(errs, fmt.Errorf("study.questionnaire: unknown dimension %q", d.Name))
		}
		if len(d.Items) == 0 {
			errs = append(errs, fmt.Errorf("study.questionnaire: dimension %q has no items", d.Name))
		}
		for _, id := range d.Items {
			if !items[id] {
				errs = append(errs, fmt.Errorf("study.questionnaire: dimension %q references unknown item %q", d.Name, id))
			}
		}
		dims[d.Name] = true
	}
	for _, name := range s.Outlier.Dimensions {
		if !dims[name] {
			errs = append(errs, fmt.Errorf("study.outlier: dimension %q is not scored", name))
		}
	}
	switch s.Outlier.Mode {
	case "", OutlierModeAll, OutlierModeAny:
	default:
		errs = append(errs, fmt.Errorf("study.outlier: unknown mode %q", s.Outlier.Mode))
	}
	questions := map[string]bool{}
	for _, q := range s.Rating.Questions {
		if q.ID == "" || questions[q.ID] {
			errs = append(errs, fmt.Errorf("study.rating: missing or duplicate question id %q", q.ID))
		}
		questions[q.ID] = true
	}
	for _, ag := range s.Rating.Aggregates {
		if len(ag.Items) == 0 {
			errs = append(errs, fmt.Errorf("study.rating: aggregate %q has no items", ag.Name))
		}
		for _, id := range ag.Items {
			if !questions[id] {
				errs = append(errs, fmt.Errorf("study.rating: aggregate %q references unknown question %q", ag.Name, id))
			}
		}
	}
	return errs
}
