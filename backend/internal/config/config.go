package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Logging struct {
	Level   string `mapstructure:"level"`
	Env     string `mapstructure:"env"`
	Backend string `mapstructure:"backend"`
}

// ServerConfig 对应 collabConfig.yaml
type ServerConfig struct {
	Running struct {
		Port int `mapstructure:"Port"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers []string `mapstructure:"brokers"`
		Topic   string   `mapstructure:"topic"`
	} `mapstructure:"Kafka"`
	Auth struct {
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Cors struct {
		Enabled bool     `mapstructure:"enabled"`
		Origins []string `mapstructure:"origins"`
	} `mapstructure:"Cors"`
	Session struct {
		PingInterval time.Duration `mapstructure:"pingInterval"`
		PresenceTTL  time.Duration `mapstructure:"presenceTTL"`
		CursorTTL    time.Duration `mapstructure:"cursorTTL"`
		DocumentTTL  time.Duration `mapstructure:"documentTTL"`
	} `mapstructure:"Session"`
	Logging Logging `mapstructure:"Logging"`
}

// ClientConfig 对应 clientConfig.yaml
type ClientConfig struct {
	Collab struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Collab"`
	Question struct {
		URL string `mapstructure:"url"`
	} `mapstructure:"Question"`
	Evaluation struct {
		URL     string        `mapstructure:"url"`
		Timeout time.Duration `mapstructure:"timeout"`
	} `mapstructure:"Evaluation"`
	Connect struct {
		Timeout     time.Duration `mapstructure:"timeout"`
		MaxAttempts int           `mapstructure:"maxAttempts"`
		InitTimeout time.Duration `mapstructure:"initTimeout"`
	} `mapstructure:"Connect"`
	Logging Logging `mapstructure:"Logging"`
}

const envPrefix = "COLLAB"

func serverDefaults(v *viper.Viper) {
	v.SetDefault("Running.Port", 8082)
	v.SetDefault("Kafka.topic", "collab-room-events")
	v.SetDefault("Session.pingInterval", 15*time.Second)
	v.SetDefault("Session.presenceTTL", 45*time.Second)
	v.SetDefault("Session.cursorTTL", 2*time.Minute)
	v.SetDefault("Session.documentTTL", 24*time.Hour)
	v.SetDefault("Logging.level", "info")
}

func clientDefaults(v *viper.Viper) {
	v.SetDefault("Collab.url", "ws://127.0.0.1:8082")
	v.SetDefault("Evaluation.timeout", 10*time.Second)
	v.SetDefault("Connect.timeout", 5*time.Second)
	v.SetDefault("Connect.maxAttempts", 3)
	v.SetDefault("Connect.initTimeout", 10*time.Second)
	v.SetDefault("Logging.level", "info")
}

func newViper(name string, paths []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("yaml")
	// 兼容从项目根目录或 backend 目录启动
	if len(paths) == 0 {
		paths = []string{"./backend/config", "./config", "."}
	}
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	// COLLAB_SESSION_PINGINTERVAL 覆盖 Session.pingInterval
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func LoadServer(paths ...string) (*ServerConfig, error) {
	v := newViper("collabConfig", paths)
	serverDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &ServerConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadClient(paths ...string) (*ClientConfig, error) {
	v := newViper("clientConfig", paths)
	clientDefaults(v)
	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}
	cfg := &ClientConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
