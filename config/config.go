package config

import (
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"ragchat/connection"
	"ragchat/models"
)

type Config struct {
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	Redis   RedisConfig   `yaml:"redis"`
	Server  ServerConfig  `yaml:"server"`
	Mock    MockConfig    `yaml:"mock"`
}

type BackendConfig struct {
	URL string `yaml:"url"`
	// StreamURL overrides the websocket endpoint derived from URL.
	StreamURL   string             `yaml:"stream_url"`
	Credentials models.Credentials `yaml:"credentials"`
	Timeout     time.Duration      `yaml:"timeout"`
}

type SessionConfig struct {
	Greeting         string        `yaml:"greeting"`
	RetrievalTimeout time.Duration `yaml:"retrieval_timeout"`
	MaxHistory       int           `yaml:"max_history"`
	Labels           []string      `yaml:"labels"`
}

type RedisConfig struct {
	URL           string `yaml:"url"`
	ActionStream  string `yaml:"action_stream"`
	ConsumerGroup string `yaml:"consumer_group"`
	Consumer      string `yaml:"consumer"`
	StatePrefix   string `yaml:"state_prefix"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type MockConfig struct {
	Addr       string `yaml:"addr"`
	CorpusFile string `yaml:"corpus_file"`
}

func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			URL:         "http://localhost:8000",
			Credentials: models.Credentials{Deployment: "Local"},
			Timeout:     60 * time.Second,
		},
		Session: SessionConfig{
			Greeting: "Welcome! Ask me anything about your documents.",
		},
		Redis: RedisConfig{
			URL:           "redis://localhost:6379",
			ActionStream:  "ragchat:actions",
			ConsumerGroup: "ragchat-controllers",
			Consumer:      "ragchat-1",
			StatePrefix:   "chat:state:",
		},
		Server: ServerConfig{Addr: ":9090"},
		Mock:   MockConfig{Addr: ":8000"},
	}
}

// Load reads .env, then the YAML file at path (if any), then environment
// overrides, on top of Default.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Debug().Msg(".env file not found, using system environment")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read config file")
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "failed to parse config %s", path)
		}
	}
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Backend.URL = getEnv("RAGCHAT_BACKEND_URL", c.Backend.URL)
	c.Backend.StreamURL = getEnv("RAGCHAT_STREAM_URL", c.Backend.StreamURL)
	c.Backend.Credentials.Deployment = getEnv("RAGCHAT_DEPLOYMENT", c.Backend.Credentials.Deployment)
	c.Backend.Credentials.URL = getEnv("RAGCHAT_DEPLOYMENT_URL", c.Backend.Credentials.URL)
	c.Backend.Credentials.Key = getEnv("RAGCHAT_API_KEY", c.Backend.Credentials.Key)
	c.Backend.Timeout = getEnvAsDuration("RAGCHAT_BACKEND_TIMEOUT", c.Backend.Timeout)

	c.Session.Greeting = getEnv("RAGCHAT_GREETING", c.Session.Greeting)
	c.Session.RetrievalTimeout = getEnvAsDuration("RAGCHAT_RETRIEVAL_TIMEOUT", c.Session.RetrievalTimeout)
	c.Session.MaxHistory = getEnvAsInt("RAGCHAT_MAX_HISTORY", c.Session.MaxHistory)
	if labels := getEnv("RAGCHAT_LABELS", ""); labels != "" {
		c.Session.Labels = strings.Split(labels, ",")
	}

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)
	c.Redis.Consumer = getEnv("RAGCHAT_CONSUMER", c.Redis.Consumer)
	c.Server.Addr = getEnv("RAGCHAT_METRICS_ADDR", c.Server.Addr)
	c.Mock.Addr = getEnv("RAGCHAT_MOCK_ADDR", c.Mock.Addr)
	c.Mock.CorpusFile = getEnv("RAGCHAT_MOCK_CORPUS", c.Mock.CorpusFile)
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil {
		return errors.Wrap(err, "invalid backend url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("backend url %q must use http or https", c.Backend.URL)
	}
	if u.Host == "" {
		return errors.Errorf("backend url %q has no host", c.Backend.URL)
	}
	if _, err := c.StreamEndpoint(); err != nil {
		return err
	}
	if c.Session.MaxHistory < 0 {
		return errors.Errorf("max_history must not be negative, got %d", c.Session.MaxHistory)
	}
	if c.Session.RetrievalTimeout < 0 {
		return errors.Errorf("retrieval_timeout must not be negative, got %s", c.Session.RetrievalTimeout)
	}
	return nil
}

// StreamEndpoint returns the websocket URL of the generation stream.
func (c *Config) StreamEndpoint() (string, error) {
	if c.Backend.StreamURL != "" {
		u, err := url.Parse(c.Backend.StreamURL)
		if err != nil {
			return "", errors.Wrap(err, "invalid stream url")
		}
		if u.Scheme != "ws" && u.Scheme != "wss" {
			return "", errors.Errorf("stream url %q must use ws or wss", c.Backend.StreamURL)
		}
		return c.Backend.StreamURL, nil
	}
	return connection.StreamURL(c.Backend.URL, connection.StreamPath)
}

func getEnv(key, fallback string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	strValue := getEnv(key, "")
	if value, err := strconv.Atoi(strValue); err == nil {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	strValue := getEnv(key, "")
	if value, err := time.ParseDuration(strValue); err == nil {
		return value
	}
	return fallback
}
