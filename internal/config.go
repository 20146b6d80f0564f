package internal

import (
	"fmt"
	"log/slog"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	"github.com/starford/modelshift/internal/api"
	"github.com/starford/modelshift/internal/contextbuilder"
	"github.com/starford/modelshift/internal/notify"
)

// Auth modes.
const (
	AuthModeDisabled = api.AuthDisabled
	AuthModeToken    = api.AuthToken
	AuthModeJWT      = api.AuthJWT
)

// Config represents the application configuration.
type Config struct {
	App        ApplicationConfig `yaml:"app"`
	Repository RepositoryConfig  `yaml:"repository"`
	Inference  InferenceConfig   `yaml:"inference"`
	Retrieval  RetrievalConfig   `yaml:"retrieval"`
	Catalog    CatalogConfig     `yaml:"catalog"`
	Auth       AuthConfig        `yaml:"auth"`
	NATS       NATSConfig        `yaml:"nats"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if err := c.App.Validate(); err != nil {
		return fmt.Errorf("app: %w", err)
	}
	if err := c.Repository.Validate(); err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if err := c.Inference.Validate(); err != nil {
		return fmt.Errorf("inference: %w", err)
	}
	if err := c.Retrieval.Validate(); err != nil {
		return fmt.Errorf("retrieval: %w", err)
	}
	if err := c.NATS.Validate(); err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	return c.Auth.Validate()
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	HTTP     HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf(":%d", c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// RepositoryConfig locates the SysML v2 model repository.
type RepositoryConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Validate validates the repository configuration.
func (c *RepositoryConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.URL, validation.Required, is.URL),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// InferenceConfig selects the chat-completions endpoint and model.
type InferenceConfig struct {
	BaseURL     string        `yaml:"base_url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Validate validates the inference configuration.
func (c *InferenceConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, is.URL),
		validation.Field(&c.Model, validation.Required),
		validation.Field(&c.Temperature, validation.Min(0.0), validation.Max(2.0)),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
	)
}

// RetrievalConfig tunes the context builder.
type RetrievalConfig struct {
	TopK        int `yaml:"top_k"`
	ExpandDepth int `yaml:"expand_depth"`
}

// Validate validates the retrieval configuration.
func (c *RetrievalConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.TopK, validation.Required, validation.Min(1)),
		validation.Field(&c.ExpandDepth, validation.Min(0)),
	)
}

// CatalogConfig points at an optional YAML file of extra or overriding
// element types. The file is watched and reloaded on change.
type CatalogConfig struct {
	Path string `yaml:"path"`
}

// NATSConfig enables publishing commit events to NATS when URL is set.
type NATSConfig struct {
	URL     string `yaml:"url"`
	Subject string `yaml:"subject"`
}

// Validate validates the NATS configuration.
func (c *NATSConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Subject, validation.When(c.URL != "", validation.Required)),
	)
}

// Enabled reports whether a NATS server is configured.
func (c *NATSConfig) Enabled() bool {
	return c.URL != ""
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local dev.
//   - "token": Bearer token authentication; Token must be non-empty.
//   - "jwt": Bearer HS256 JWT signed with JWTSecret; JWTSecret must be non-empty.
type AuthConfig struct {
	Mode      string `yaml:"mode"`
	Token     string `yaml:"token"`
	JWTSecret string `yaml:"jwt_secret"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken, AuthModeJWT)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	if c.Mode == AuthModeJWT && c.JWTSecret == "" {
		return fmt.Errorf("auth: mode is %q but jwt_secret is empty", AuthModeJWT)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken || c.Mode == AuthModeJWT
}

// API converts the configuration to the router's form.
func (c *AuthConfig) API() api.AuthConfig {
	return api.AuthConfig{Mode: c.Mode, Token: c.Token, JWTSecret: c.JWTSecret}
}

// NewDefaultConfig returns a new Config with sensible default values.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			HTTP: HTTPConfig{
				Port: 8080,
			},
		},
		Repository: RepositoryConfig{
			URL:     "http://localhost:9000",
			Timeout: 30 * time.Second,
		},
		Inference: InferenceConfig{
			BaseURL:     "https://api.openai.com/v1",
			Model:       "gpt-4o-mini",
			Temperature: 0,
			Timeout:     2 * time.Minute,
		},
		Retrieval: RetrievalConfig{
			TopK:        contextbuilder.DefaultTopK,
			ExpandDepth: contextbuilder.DefaultExpandDepth,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
		NATS: NATSConfig{
			Subject: notify.DefaultSubject,
		},
	}
}
