// Package config loads a potnode's configuration from environment
// variables, with an optional YAML file merged first. It is grounded on
// the teacher's pkg/config/config.go: same viper-based load, same
// AppConfig package var, same Load(env)/LoadFromEnv shape.
package config

import (
	"fmt"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"potnode/pkg/utils"
)

// Config holds everything a potnode process needs at startup. Every field
// has an environment-variable source named in spec.md §6; nothing here is
// read again after Load returns.
type Config struct {
	StorageDir string `mapstructure:"storage_dir"`
	DumpDir    string `mapstructure:"dump_dir"`
	LogDir     string `mapstructure:"log_dir"`
	LogLevel   string `mapstructure:"log_level"`

	GenesisNode string `mapstructure:"genesis_node"`
	NodeType    string `mapstructure:"node_type"`
	Port        int    `mapstructure:"port"`

	POTScenarios []string `mapstructure:"pot_scenarios"`

	ValidatorsPart float64 `mapstructure:"validators_part"`

	MinDelay time.Duration `mapstructure:"min_delay"`
	MaxDelay time.Duration `mapstructure:"max_delay"`

	Simulation string `mapstructure:"simulation"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// simulationPresets maps a SIMULATION env value to the config overrides it
// stands for, matching spec.md §6's "preset selector that maps to
// combinations of the above". Fields left at their zero value here are not
// overridden.
var simulationPresets = map[string]Config{
	"latency": {MinDelay: 50 * time.Millisecond, MaxDelay: 400 * time.Millisecond},
	"churn":   {ValidatorsPart: 0.3},
	"local":   {MinDelay: 0, MaxDelay: 0},
}

// Load reads an optional <env>.yaml file under config/ (if present),
// applies a SIMULATION preset (if set), then lets explicit environment
// variables win, and returns the merged Config. env may be empty, in
// which case only the environment and any SIMULATION preset apply.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional .env, ignored if absent

	v := viper.New()
	v.SetConfigType("yaml")
	v.AddConfigPath("config")
	v.SetDefault("port", 5000)
	v.SetDefault("log_level", "info")

	if env != "" {
		v.SetConfigName(env)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, utils.Wrap(err, fmt.Sprintf("read %s config", env))
			}
		}
	}

	v.SetEnvPrefix("")
	v.AutomaticEnv()
	bindEnv(v, "storage_dir", "STORAGE_DIR")
	bindEnv(v, "dump_dir", "DUMP_DIR")
	bindEnv(v, "log_dir", "LOG_DIR")
	bindEnv(v, "log_level", "LOG_LEVEL")
	bindEnv(v, "genesis_node", "GENESIS_NODE")
	bindEnv(v, "node_type", "NODE_TYPE")
	bindEnv(v, "port", "PORT")
	bindEnv(v, "pot_scenarios", "POT_SCENARIOS")
	bindEnv(v, "validators_part", "VALIDATORS_PART")
	bindEnv(v, "simulation", "SIMULATION")

	cfg := Config{}
	if preset, ok := simulationPresets[v.GetString("simulation")]; ok {
		cfg = preset
	}
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}

	cfg.MinDelay = envDurationMS("MIN_DELAY", cfg.MinDelay)
	cfg.MaxDelay = envDurationMS("MAX_DELAY", cfg.MaxDelay)
	cfg.POTScenarios = splitNonEmpty(utils.EnvOrDefault("POT_SCENARIOS", joinScenarios(cfg.POTScenarios)))

	AppConfig = cfg
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the POT_ENV environment variable
// to select an optional YAML overlay.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("POT_ENV", ""))
}

func bindEnv(v *viper.Viper, key, env string) {
	_ = v.BindEnv(key, env)
}

func envDurationMS(key string, fallback time.Duration) time.Duration {
	ms := utils.EnvOrDefaultInt(key, int(fallback/time.Millisecond))
	return time.Duration(ms) * time.Millisecond
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				out = append(out, s[start:i])
			}
			start = i + 1
		}
	}
	return out
}

func joinScenarios(scenarios []string) string {
	out := ""
	for i, s := range scenarios {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}
