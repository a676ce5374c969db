package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"

	"collabnote/backend/internal/awareness"
	"collabnote/backend/internal/collab"
	"collabnote/backend/internal/crdt"
)

type Config struct {
	Running struct {
		Port int `mapstructure:"Port"`

		// identifies this process on the relay, generated when empty
		InstanceID string `mapstructure:"instanceId"`
	} `mapstructure:"Running"`
	Mysql struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"Mysql"`
	Redis struct {
		Addrs    []string `mapstructure:"addrs"`
		Password string   `mapstructure:"password"`
	} `mapstructure:"Redis"`
	Kafka struct {
		Brokers    []string                      `mapstructure:"brokers"`
		Topic      string                        `mapstructure:"topic"`
		Dispatcher collab.KafkaDispatcherOptions `mapstructure:"dispatcher"`
	} `mapstructure:"Kafka"`
	Auth struct {
		// base URL of the identity service; ignored when Secret is set
		Path   string `mapstructure:"path"`
		Secret string `mapstructure:"secret"`
	} `mapstructure:"Auth"`
	Cors struct {
		Enabled      bool     `mapstructure:"enabled"`
		AllowOrigins []string `mapstructure:"allowOrigins"`
	} `mapstructure:"Cors"`
	Session struct {
		Grace            time.Duration `mapstructure:"grace"`
		FlushInterval    time.Duration `mapstructure:"flushInterval"`
		FlushConcurrency int           `mapstructure:"flushConcurrency"`
		SendQueue        int           `mapstructure:"sendQueue"`
		Replica          string        `mapstructure:"replica"`
	} `mapstructure:"Session"`
	Awareness awareness.Config `mapstructure:"Awareness"`
	Editor    struct {
		Capabilities crdt.Capabilities `mapstructure:"capabilities"`
	} `mapstructure:"Editor"`
}

func setDefaults(v *viper.Viper) {
	caps := crdt.DefaultCapabilities()
	v.SetDefault("Running.Port", 8082)
	v.SetDefault("Running.instanceId", "")
	v.SetDefault("Mysql.dsn", "")
	v.SetDefault("Redis.addrs", []string{})
	v.SetDefault("Redis.password", "")
	v.SetDefault("Kafka.brokers", []string{})
	v.SetDefault("Kafka.topic", "doc-updates")
	v.SetDefault("Kafka.dispatcher.queueSize", 10_000)
	v.SetDefault("Kafka.dispatcher.workers", 4)
	v.SetDefault("Kafka.dispatcher.maxRetry", 3)
	v.SetDefault("Kafka.dispatcher.baseBackoff", 50*time.Millisecond)
	v.SetDefault("Kafka.dispatcher.maxBackoff", time.Second)
	v.SetDefault("Auth.path", "http://localhost:3001")
	v.SetDefault("Auth.secret", "")
	v.SetDefault("Cors.enabled", true)
	v.SetDefault("Cors.allowOrigins", []string{"http://localhost:5173", "http://127.0.0.1:5173"})
	v.SetDefault("Session.grace", 30*time.Second)
	v.SetDefault("Session.flushInterval", collab.DefaultFlushInterval)
	v.SetDefault("Session.flushConcurrency", collab.DefaultSemaphore)
	v.SetDefault("Session.sendQueue", 256)
	v.SetDefault("Awareness.timeout", awareness.DefaultTimeout)
	v.SetDefault("Awareness.sweepInterval", awareness.DefaultSweepInterval)
	v.SetDefault("Editor.capabilities.bold", caps.Bold)
	v.SetDefault("Editor.capabilities.italic", caps.Italic)
	v.SetDefault("Editor.capabilities.underline", caps.Underline)
	v.SetDefault("Editor.capabilities.strike", caps.Strike)
	v.SetDefault("Editor.capabilities.headings", caps.Headings)
	v.SetDefault("Editor.capabilities.bulletList", caps.BulletList)
	v.SetDefault("Editor.capabilities.orderedList", caps.OrderedList)
	v.SetDefault("Editor.capabilities.codeBlock", caps.CodeBlock)
	v.SetDefault("Editor.capabilities.blockquote", caps.Blockquote)
	v.SetDefault("Editor.capabilities.textAlign", caps.TextAlign)
	v.SetDefault("Editor.capabilities.mathBlock", caps.MathBlock)
}

// Load reads collabConfig.yaml from the usual places, then applies COLLAB_*
// environment overrides (COLLAB_MYSQL_DSN, COLLAB_SESSION_GRACE, ...). A
// missing file is not an error. Extra paths are searched first.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("collabConfig")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	// works from the repo root or from backend/
	v.AddConfigPath("./backend/config")
	v.AddConfigPath("./config")
	v.AddConfigPath(".")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RegistryOptions maps the session settings onto the registry. Without an
// explicit replica the server edits as "server-<instanceID>", so content
// writes from two instances never reuse an op id.
func (c *Config) RegistryOptions(instanceID string) collab.Options {
	replica := c.Session.Replica
	if replica == "" && instanceID != "" {
		replica = "server-" + instanceID
	}
	return collab.Options{
		Grace:         c.Session.Grace,
		FlushInterval: c.Session.FlushInterval,
		Awareness:     c.Awareness,
		Capabilities:  c.Editor.Capabilities,
		Replica:       replica,
	}
}
