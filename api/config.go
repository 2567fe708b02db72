package api

import (
	"errors"
	"strings"
	"time"
)

// GlobalConfig is the configuration shared by all srcpin subcommands.
// It can be read from a JSON file or passed as command-line flags.
type GlobalConfig struct {
	// DigestFunction is the hash function used to address blobs in the
	// local and remote store.
	DigestFunction string `json:"digest_function,omitempty"`
	// The path to the pin file.
	PinfilePath string `json:"pinfile,omitempty"`
	// The path to the local content-addressed store directory.
	StorePath string `json:"store,omitempty"`
	// The grpc(s) endpoint of a shared content-addressed store
	// implementing the remote execution API's CAS and ByteStream
	// services. Optional.
	// Example: "grpcs://cache.example.com"
	// Example: "grpc://localhost:8980" (for unencrypted connections - not recommended)
	Remote string `json:"remote,omitempty"`
	// HTTPTimeout bounds a single artifact retrieval.
	// Accepts Go duration syntax ("30s", "5m"). Empty means the default.
	HTTPTimeout string `json:"http_timeout,omitempty"`
	// Log level. One of "error", "warning", "basic", "debug".
	// Note that errors are always printed, regardless of the log level.
	LogLevel string `json:"log_level,omitempty"`
}

func (c GlobalConfig) Validate() error {
	issues := []string{}
	switch c.DigestFunction {
	case "sha256", "sha384", "sha512": // allowed
	case "":
		issues = append(issues, `digest_function must be provided`)
	default:
		issues = append(issues, `digest_function must be one of "sha256", "sha384", "sha512"`)
	}
	if c.PinfilePath == "" {
		issues = append(issues, `pinfile must be provided`)
	}
	if c.StorePath == "" {
		issues = append(issues, `store must be provided`)
	}
	if c.Remote != "" {
		scheme, _, found := strings.Cut(c.Remote, "://")
		if !found || (scheme != "grpc" && scheme != "grpcs") {
			issues = append(issues, `remote must start with "grpcs://" or "grpc://"`)
		}
	}
	if c.HTTPTimeout != "" {
		if _, err := time.ParseDuration(c.HTTPTimeout); err != nil {
			issues = append(issues, `http_timeout must be a valid duration (e.g. "30s", "5m")`)
		}
	}
	switch c.LogLevel {
	case "error", "warning", "basic", "debug": // allowed
	default:
		issues = append(issues, `log_level must be one of "error", "warning", "basic", "debug"`)
	}

	if len(issues) > 0 {
		return errors.New("config validation failed: \n  " + strings.Join(issues, "\n  "))
	}
	return nil
}

// RetrievalTimeout returns the configured HTTP timeout,
// falling back to the default.
func (c GlobalConfig) RetrievalTimeout() time.Duration {
	if c.HTTPTimeout == "" {
		return DefaultRetrievalTimeout
	}
	timeout, err := time.ParseDuration(c.HTTPTimeout)
	if err != nil {
		return DefaultRetrievalTimeout
	}
	return timeout
}

type ConfigReader interface {
	Read(baseConfig GlobalConfig) (GlobalConfig, error)
}

func ReadConfig(reader ConfigReader, config GlobalConfig) (GlobalConfig, error) {
	return reader.Read(config)
}

func DefaultConfig() GlobalConfig {
	return GlobalConfig{
		DigestFunction: "sha256",
		PinfilePath:    "srcpin.json",
		StorePath:      "~/.cache/srcpin",
		LogLevel:       "basic",
	}
}

// DefaultRetrievalTimeout bounds a single artifact retrieval when the
// configuration does not specify a timeout. The pinning model has no
// inherent timeout, so this is a deliberate local choice.
const DefaultRetrievalTimeout = 5 * time.Minute

var ErrConfigNotFound = errors.New("config file not found")
