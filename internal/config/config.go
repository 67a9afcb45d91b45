// Package config loads the daemon's settings from flags and environment
// variables, via spf13/viper layered over spf13/pflag-backed cobra flags.
// No config file is read.
package config

import (
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config is the fully resolved set of daemon settings.
type Config struct {
	InverterAddr string
	ControlAddr  string
	MetricsAddr  string
	StateFile    string
	RatedWatt    int
	LogLevel     string
	SaveInterval time.Duration
}

// EnvPrefix is the prefix viper uses for environment variable overrides,
// e.g. INVERTER_BRIDGE_INVERTER_ADDR.
const EnvPrefix = "INVERTER_BRIDGE"

// RegisterFlags adds the daemon's flags to fs, with defaults matching §6/§10.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("inverter-addr", ":18899", "listen address for the inverter link")
	fs.String("control-addr", ":9999", "listen address for the control server")
	fs.String("metrics-addr", ":9100", "listen address for the Prometheus /metrics endpoint")
	fs.String("state-file", "/root/inverter_energy.json", "path to the persisted energy totals file")
	fs.Int("rated-watt", 6200, "inverter rated apparent power, used for load-percentage scaling")
	fs.String("log-level", "info", "logrus level: trace, debug, info, warn, error")
}

// Load binds fs to viper, applies environment overrides, and returns the
// resolved Config.
func Load(fs *pflag.FlagSet) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(fs); err != nil {
		return Config{}, err
	}

	return Config{
		InverterAddr: v.GetString("inverter-addr"),
		ControlAddr:  v.GetString("control-addr"),
		MetricsAddr:  v.GetString("metrics-addr"),
		StateFile:    v.GetString("state-file"),
		RatedWatt:    v.GetInt("rated-watt"),
		LogLevel:     v.GetString("log-level"),
		SaveInterval: 300 * time.Second,
	}, nil
}
