package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port    string
	DSN     string
	DataDir string

	APIBaseURL string
	APIToken   string
	APITimeout time.Duration

	AutomationInterval  time.Duration
	TelemetryInterval   time.Duration
	TelemetryMaxBackoff time.Duration

	IgnoreShownInApp bool

	PushBackend string
	WhatsAppTo  string
	WhatsAppDSN string

	LogLevel  string
	LogPretty bool
}

var envReplacer = strings.NewReplacer(".", "_")

func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "9724")
	v.SetDefault("db_dsn", "file:automation.db?_foreign_keys=on")
	v.SetDefault("data_dir", "./automation-data")
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.timeout", 60*time.Second)
	v.SetDefault("intervals.automation", 30*time.Second)
	v.SetDefault("intervals.telemetry", 10*time.Second)
	v.SetDefault("telemetry.max_backoff", 5*time.Minute)
	v.SetDefault("inapp.ignore_shown", true)
	v.SetDefault("push.backend", "log")
	v.SetDefault("push.whatsapp_to", "")
	v.SetDefault("push.whatsapp_dsn", "file:whatsapp.db?_foreign_keys=on")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
}

// Load reads automation.yaml (if present) and AUTOMATION_* env vars.
// A missing config file is not an error. path, when set, is used as the
// config file instead of the search path.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("AUTOMATION")
	v.SetEnvKeyReplacer(envReplacer)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("automation")
		if override := os.Getenv("AUTOMATION_CONFIG_PATH"); override != "" {
			v.AddConfigPath(override)
		}
		v.AddConfigPath("./")
	}

	if err := v.ReadInConfig(); err != nil {
		var nf viper.ConfigFileNotFoundError
		if !errors.As(err, &nf) {
			return nil, err
		}
	}

	c := &Config{
		Port:                v.GetString("port"),
		DSN:                 v.GetString("db_dsn"),
		DataDir:             v.GetString("data_dir"),
		APIBaseURL:          v.GetString("api.base_url"),
		APIToken:            v.GetString("api.token"),
		APITimeout:          v.GetDuration("api.timeout"),
		AutomationInterval:  v.GetDuration("intervals.automation"),
		TelemetryInterval:   v.GetDuration("intervals.telemetry"),
		TelemetryMaxBackoff: v.GetDuration("telemetry.max_backoff"),
		IgnoreShownInApp:    v.GetBool("inapp.ignore_shown"),
		PushBackend:         v.GetString("push.backend"),
		WhatsAppTo:          v.GetString("push.whatsapp_to"),
		WhatsAppDSN:         v.GetString("push.whatsapp_dsn"),
		LogLevel:            v.GetString("log.level"),
		LogPretty:           v.GetBool("log.pretty"),
	}
	if c.AutomationInterval <= 0 {
		c.AutomationInterval = 30 * time.Second
	}
	if c.TelemetryInterval <= 0 {
		c.TelemetryInterval = 10 * time.Second
	}
	return c, nil
}
