// Package cmdhelper carries the flag and config plumbing shared by all
// srcpin subcommands.
package cmdhelper

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/srcpin/srcpin/api"
	"github.com/srcpin/srcpin/internal/logging"
)

func FatalFmt(format string, args ...any) {
	if !strings.HasSuffix(format, "\n") {
		format += "\n"
	}
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}

type OSConfigReader struct {
	ConfigPath string
}

func (r OSConfigReader) Read(config api.GlobalConfig) (api.GlobalConfig, error) {
	file, err := os.Open(r.ConfigPath)
	if err != nil {
		if os.IsNotExist(err) {
			return config, api.ErrConfigNotFound
		}
		return config, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&config); err != nil {
		return config, err
	}

	return config, nil
}

func SubstituteHome(p string) string {
	if len(p) == 0 || p[0] != '~' {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return home + p[1:]
}

type FlagPreset uint

const (
	FlagPresetNone  FlagPreset = 0
	FlagPresetStore            = 1 << iota
	FlagPresetRemote
)

func globalFlags(flagSet *flag.FlagSet, preset FlagPreset) *api.GlobalConfig {
	config := &api.GlobalConfig{}
	flagSet.StringVar(&config.DigestFunction, "digest_function", "", "Hash function used to address blobs in the local and remote store")
	flagSet.StringVar(&config.PinfilePath, "pinfile", "", "Path to the pin file")
	flagSet.StringVar(&config.LogLevel, "log_level", "", `Log level. one of "error", "warning", "basic", "debug"`)

	if preset&FlagPresetStore != 0 {
		flagSet.StringVar(&config.StorePath, "store", "", "Path to the local content-addressed store directory")
		flagSet.StringVar(&config.HTTPTimeout, "http_timeout", "", `Timeout for a single artifact retrieval (e.g. "30s", "5m")`)
	}
	if preset&FlagPresetRemote != 0 {
		flagSet.StringVar(&config.Remote, "remote", "", "grpc(s) endpoint of a shared content-addressed store")
	}
	return config
}

// InjectGlobalFlagsAndConfigure registers the global flags on the flag set,
// parses the arguments and merges the config file, environment and flag
// values into a validated configuration.
func InjectGlobalFlagsAndConfigure(args []string, flagSet *flag.FlagSet, preset FlagPreset) (api.GlobalConfig, error) {
	var configPath string
	ignoreMissing := true

	if configPathEnv, ok := os.LookupEnv(api.ConfigFileEnv); ok {
		configPath = configPathEnv
		ignoreMissing = false
	}
	flagSet.Func("config", "Path to the config file", func(configPathFlag string) error {
		configPath = configPathFlag
		ignoreMissing = false
		return nil
	})

	flagConfig := globalFlags(flagSet, preset)
	if err := flagSet.Parse(args); err != nil {
		return api.GlobalConfig{}, err
	}

	fileConfig, err := readConfigFileOrDefault(configPath, ignoreMissing)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	config, err := mergeConfigs(fileConfig, *flagConfig)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	logging.SetLevel(logging.FromString(config.LogLevel))
	return config, config.Validate()
}

func readConfigFileOrDefault(configPath string, ignoreMissing bool) (api.GlobalConfig, error) {
	config := api.DefaultConfig()

	if ignoreMissing && configPath == "" {
		// default config (parse if exists)
		configPath = ".srcpin.json"
	}
	configReader := OSConfigReader{ConfigPath: configPath}
	config, err := api.ReadConfig(configReader, config)
	if ignoreMissing && err == api.ErrConfigNotFound {
		return config, nil
	} else if err != nil {
		return api.GlobalConfig{}, fmt.Errorf("reading config from %s: %w", configPath, err)
	}
	return config, nil
}

func mergeConfigs(base, overlay api.GlobalConfig) (api.GlobalConfig, error) {
	overlayJSON, err := json.Marshal(overlay)
	if err != nil {
		return api.GlobalConfig{}, err
	}

	decoder := json.NewDecoder(bytes.NewReader(overlayJSON))
	decoder.DisallowUnknownFields()

	merged := base
	if err := decoder.Decode(&merged); err != nil {
		return api.GlobalConfig{}, err
	}
	return merged, nil
}
