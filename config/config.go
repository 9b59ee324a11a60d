package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	prefixed "github.com/matterbridge/logrus-prefixed-formatter"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var Logger = logrus.WithFields(logrus.Fields{"prefix": "config"})

// SetDefaults fills in everything mxpane needs to run against a local
// message-proxy backend without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("backend.url", "http://localhost:8000/api/message-proxy/element")
	v.SetDefault("backend.push", "ws://localhost:8000/ws/extensions")
	v.SetDefault("backend.timeout", 30*time.Second)
	v.SetDefault("backend.retries", 3)
	v.SetDefault("backend.retrydelay", time.Second)
	v.SetDefault("backend.pluginid", "mxpane")
	v.SetDefault("backend.encryption", false)
	v.SetDefault("backend.insecure", false)
	v.SetDefault("backend.tlscert", "")
	v.SetDefault("backend.tlskey", "")
	v.SetDefault("push.reconnectdelay", 5*time.Second)
	v.SetDefault("session.db", "mxpane.db")
	v.SetDefault("session.maxage", 7*24*time.Hour)
	v.SetDefault("typing.timeout", 3*time.Second)
	v.SetDefault("readmarker.throttle", 5*time.Second)
	v.SetDefault("metrics.listen", "")
}

// New returns a viper instance with only the defaults and environment set.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix("mxpane")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	// use environment variables
	v.AutomaticEnv()
	SetDefaults(v)

	return v
}

func LoadConfig(cfgfile string) (*viper.Viper, error) {
	v := New()
	if cfgfile == "" {
		return v, nil
	}

	v.SetConfigFile(cfgfile)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file %s", err)
	}

	// reload config on file changes
	if runtime.GOOS != "illumos" {
		v.OnConfigChange(func(e fsnotify.Event) {
			Logger.Infof("config file %s changed", e.Name)
		})
		v.WatchConfig()
	}

	return v, nil
}

// NewLogger creates a prefixed logger honouring the debug and trace settings.
func NewLogger(v *viper.Viper, prefix string) *logrus.Entry {
	ourlog := logrus.New()
	ourlog.SetFormatter(&prefixed.TextFormatter{
		PrefixPadding: 14,
		FullTimestamp: true,
	})

	if v.GetBool("debug") {
		ourlog.SetLevel(logrus.DebugLevel)
	}

	if v.GetBool("trace") {
		ourlog.SetLevel(logrus.TraceLevel)
	}

	return ourlog.WithFields(logrus.Fields{"prefix": prefix})
}
