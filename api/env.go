package api

// Environment variables used by srcpin.
const (
	// LogLevelEnv is the environment variable used to set the log level.
	LogLevelEnv = "SRCPIN_LOGGING"
	// ConfigFileEnv is the environment variable used to set the configuration file.
	ConfigFileEnv = "SRCPIN_CONFIG_FILE"
)
