package internal

import (
	"io"

	"github.com/starford/modelshift/internal/inference"
)

// Option is a functional option for configuring the application.
type Option func(*application)

type application struct {
	config    *Config
	version   string
	logOutput io.Writer
	inferer   inference.Inferer
}

// WithConfig sets the application configuration.
func WithConfig(cfg *Config) Option {
	return func(a *application) {
		a.config = cfg
	}
}

// WithVersion sets the version reported by the MCP server.
func WithVersion(v string) Option {
	return func(a *application) {
		a.version = v
	}
}

// WithLogOutput redirects the JSON log stream.
func WithLogOutput(w io.Writer) Option {
	return func(a *application) {
		a.logOutput = w
	}
}

// WithInferer replaces the configured chat-completions client.
func WithInferer(inf inference.Inferer) Option {
	return func(a *application) {
		a.inferer = inf
	}
}
