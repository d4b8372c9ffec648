// Package config loads and validates the polyport server configuration.
//
// Configuration is a YAML file supplying at minimum the listening port.
// Loading failures are fatal at construction time: a server cannot start
// without a valid configuration.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Common errors for configuration loading.
var (
	ErrFileNotFound     = errors.New("configuration file not found")
	ErrPermissionDenied = errors.New("permission denied")
	ErrEmptyFile        = errors.New("configuration file is empty")
	ErrInvalidYAML      = errors.New("invalid YAML syntax")
	ErrInvalidPort      = errors.New("port must be between 1 and 65535")
	ErrInvalidPolicy    = errors.New("registration policy must be \"register-all\" or \"explicit-only\"")
	ErrTLSCertMissing   = errors.New("tls requires cert_file and key_file unless auto_generate_cert is set")
)

// Server is the parsed server configuration.
type Server struct {
	// Host is the interface to bind; empty binds all interfaces.
	Host string `yaml:"host"`

	// Port is the listening port. Required.
	Port int `yaml:"port"`

	// Detect controls the built-in wrapper-layer sniffers.
	Detect Detect `yaml:"detect"`

	// TLS configures the secure-transport layer installed when TLS
	// sniffing matches.
	TLS TLS `yaml:"tls"`

	// Registration selects the default method registration policy.
	Registration Registration `yaml:"registration"`

	// Queue configures buffered queueing strategies.
	Queue Queue `yaml:"queue"`

	// Logging configures log output.
	Logging Logging `yaml:"logging"`
}

// Detect toggles the wrapper-layer detectors evaluated before
// inner-protocol detection.
type Detect struct {
	// TLS enables TLS handshake sniffing.
	TLS bool `yaml:"tls"`

	// Gzip enables gzip magic-prefix sniffing.
	Gzip bool `yaml:"gzip"`
}

// TLS configures the server certificate for the TLS transport layer.
type TLS struct {
	// AutoGenerateCert generates an in-memory self-signed certificate at
	// startup. Intended for development.
	AutoGenerateCert bool `yaml:"auto_generate_cert"`

	// CertFile and KeyFile point at a PEM certificate/key pair.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// Registration selects the default registration policy.
type Registration struct {
	// Policy is "register-all" (opt-out, the default) or
	// "explicit-only" (opt-in).
	Policy string `yaml:"policy"`
}

// Queue configures buffered queueing strategies.
type Queue struct {
	// BufferSize is the per-connection buffer capacity for the buffered
	// strategy. Zero selects the default of 256.
	BufferSize int `yaml:"buffer_size"`
}

// Logging configures log output.
type Logging struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// Format is text or json.
	Format string `yaml:"format"`
}

// Default returns the default configuration. The port still has to be set
// by the caller or by a configuration file.
func Default() *Server {
	return &Server{
		Detect: Detect{TLS: false, Gzip: false},
		TLS:    TLS{AutoGenerateCert: true},
		Registration: Registration{
			Policy: "register-all",
		},
		Queue:   Queue{BufferSize: 256},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// Load reads and validates a YAML configuration file.
func Load(path string) (*Server, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, path)
		}
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, path)
	}
	return Parse(data)
}

// Parse parses YAML bytes into a validated Server configuration. Fields not
// present keep their defaults.
func Parse(data []byte) (*Server, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for consistency.
func (c *Server) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrInvalidPort, c.Port)
	}
	switch c.Registration.Policy {
	case "", "register-all", "explicit-only":
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Registration.Policy)
	}
	if c.Detect.TLS && !c.TLS.AutoGenerateCert && (c.TLS.CertFile == "" || c.TLS.KeyFile == "") {
		return ErrTLSCertMissing
	}
	if c.Queue.BufferSize < 0 {
		return fmt.Errorf("queue buffer_size cannot be negative: %d", c.Queue.BufferSize)
	}
	return nil
}

// Addr returns the host:port listen address.
func (c *Server) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
