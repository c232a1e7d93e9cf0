package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g. ORDERSYNC_STORE_BACKEND.
const EnvPrefix = "ORDERSYNC_"

type Config struct {
	// Store
	StoreBackend string // memory|pebble|badger|redis
	DataDir      string
	RedisURL     string

	// Changelog and recovery
	ChangelogSink    string // file|kafka|both
	ChangelogDir     string
	ChangelogSource  string // file|kafka
	SnapshotDir      string
	SnapshotInterval time.Duration
	ManifestSink     string // file|kafka|both
	ManifestSource   string // file|kafka

	// Kafka
	KafkaBootstrap     string
	TopicChangelog     string
	TopicSnapshots     string
	TopicNotifications string
	TopicWrites        string
	GroupID            string

	NotifySink string // log|kafka|both

	// Write ingestion
	InputSource string // sample|file|kafka
	InputFile   string

	Workers     int
	MaxAttempts int // deliveries of a change before the engine drops it
	HTTPAddr    string
	LogLevel string
}

type configFile struct {
	Store struct {
		Backend  string `yaml:"backend"`
		DataDir  string `yaml:"data_dir"`
		RedisURL string `yaml:"redis_url"`
	} `yaml:"store"`
	Changelog struct {
		Sink   string `yaml:"sink"`
		Dir    string `yaml:"dir"`
		Source string `yaml:"source"`
	} `yaml:"changelog"`
	Snapshot struct {
		Dir             string `yaml:"dir"`
		IntervalSeconds int    `yaml:"interval_seconds"`
		ManifestSink    string `yaml:"manifest_sink"`
		ManifestSource  string `yaml:"manifest_source"`
	} `yaml:"snapshot"`
	Kafka struct {
		Bootstrap          string `yaml:"bootstrap"`
		TopicChangelog     string `yaml:"topic_changelog"`
		TopicSnapshots     string `yaml:"topic_snapshots"`
		TopicNotifications string `yaml:"topic_notifications"`
		TopicWrites        string `yaml:"topic_writes"`
		GroupID            string `yaml:"group_id"`
	} `yaml:"kafka"`
	Notify struct {
		Sink string `yaml:"sink"`
	} `yaml:"notify"`
	Input struct {
		Source string `yaml:"source"`
		File   string `yaml:"file"`
	} `yaml:"input"`
	Engine struct {
		Workers     int `yaml:"workers"`
		MaxAttempts int `yaml:"max_attempts"`
	} `yaml:"engine"`
	HTTP struct {
		Addr string `yaml:"addr"`
	} `yaml:"http"`
	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func Defaults() Config {
	return Config{
		StoreBackend:       "memory",
		DataDir:            "./data/ordersync",
		RedisURL:           "localhost:6379",
		ChangelogSink:      "file",
		ChangelogDir:       "./changelog",
		ChangelogSource:    "file",
		SnapshotDir:        "./snapshots",
		SnapshotInterval:   60 * time.Second,
		ManifestSink:       "file",
		ManifestSource:     "file",
		TopicChangelog:     "ordersync.changelog",
		TopicSnapshots:     "ordersync.snapshots",
		TopicNotifications: "ordersync.notifications",
		TopicWrites:        "ordersync.writes",
		GroupID:            "ordersync",
		NotifySink:         "log",
		InputSource:        "sample",
		Workers:            4,
		MaxAttempts:        3,
		HTTPAddr:           ":8080",
		LogLevel:           "info",
	}
}

// Load returns defaults overlaid by the YAML file at path (skipped when path is empty or
// missing) and then by ORDERSYNC_* environment variables.
func Load(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			var f configFile
			if err := yaml.Unmarshal(raw, &f); err != nil {
				return Config{}, fmt.Errorf("parse config file: %w", err)
			}
			cfg.applyFile(f)
		case !os.IsNotExist(err):
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}
	cfg.applyEnv()
	return cfg, nil
}

func (c *Config) applyFile(f configFile) {
	setString(&c.StoreBackend, f.Store.Backend)
	setString(&c.DataDir, f.Store.DataDir)
	setString(&c.RedisURL, f.Store.RedisURL)
	setString(&c.ChangelogSink, f.Changelog.Sink)
	setString(&c.ChangelogDir, f.Changelog.Dir)
	setString(&c.ChangelogSource, f.Changelog.Source)
	setString(&c.SnapshotDir, f.Snapshot.Dir)
	if f.Snapshot.IntervalSeconds > 0 {
		c.SnapshotInterval = time.Duration(f.Snapshot.IntervalSeconds) * time.Second
	}
	setString(&c.ManifestSink, f.Snapshot.ManifestSink)
	setString(&c.ManifestSource, f.Snapshot.ManifestSource)
	setString(&c.KafkaBootstrap, f.Kafka.Bootstrap)
	setString(&c.TopicChangelog, f.Kafka.TopicChangelog)
	setString(&c.TopicSnapshots, f.Kafka.TopicSnapshots)
	setString(&c.TopicNotifications, f.Kafka.TopicNotifications)
	setString(&c.TopicWrites, f.Kafka.TopicWrites)
	setString(&c.GroupID, f.Kafka.GroupID)
	setString(&c.NotifySink, f.Notify.Sink)
	setString(&c.InputSource, f.Input.Source)
	setString(&c.InputFile, f.Input.File)
	if f.Engine.Workers > 0 {
		c.Workers = f.Engine.Workers
	}
	if f.Engine.MaxAttempts > 0 {
		c.MaxAttempts = f.Engine.MaxAttempts
	}
	setString(&c.HTTPAddr, f.HTTP.Addr)
	setString(&c.LogLevel, f.Log.Level)
}

func (c *Config) applyEnv() {
	c.StoreBackend = envString("STORE_BACKEND", c.StoreBackend)
	c.DataDir = envString("DATA_DIR", c.DataDir)
	c.RedisURL = envString("REDIS_URL", c.RedisURL)
	c.ChangelogSink = envString("CHANGELOG_SINK", c.ChangelogSink)
	c.ChangelogDir = envString("CHANGELOG_DIR", c.ChangelogDir)
	c.ChangelogSource = envString("CHANGELOG_SOURCE", c.ChangelogSource)
	c.SnapshotDir = envString("SNAPSHOT_DIR", c.SnapshotDir)
	c.SnapshotInterval = time.Duration(envInt("SNAPSHOT_INTERVAL_SECONDS", int(c.SnapshotInterval.Seconds()))) * time.Second
	c.ManifestSink = envString("MANIFEST_SINK", c.ManifestSink)
	c.ManifestSource = envString("MANIFEST_SOURCE", c.ManifestSource)
	c.KafkaBootstrap = envString("KAFKA_BOOTSTRAP", c.KafkaBootstrap)
	c.TopicChangelog = envString("TOPIC_CHANGELOG", c.TopicChangelog)
	c.TopicSnapshots = envString("TOPIC_SNAPSHOTS", c.TopicSnapshots)
	c.TopicNotifications = envString("TOPIC_NOTIFICATIONS", c.TopicNotifications)
	c.TopicWrites = envString("TOPIC_WRITES", c.TopicWrites)
	c.GroupID = envString("GROUP_ID", c.GroupID)
	c.NotifySink = envString("NOTIFY_SINK", c.NotifySink)
	c.InputSource = envString("INPUT_SOURCE", c.InputSource)
	c.InputFile = envString("INPUT_FILE", c.InputFile)
	c.Workers = envInt("WORKERS", c.Workers)
	c.MaxAttempts = envInt("MAX_ATTEMPTS", c.MaxAttempts)
	c.HTTPAddr = envString("HTTP_ADDR", c.HTTPAddr)
	c.LogLevel = envString("LOG_LEVEL", c.LogLevel)
}

// Validate rejects values the binaries cannot wire.
func (c Config) Validate() error {
	checks := []struct {
		name, value string
		allowed     []string
	}{
		{"store backend", c.StoreBackend, []string{"memory", "pebble", "badger", "redis"}},
		{"changelog sink", c.ChangelogSink, []string{"file", "kafka", "both"}},
		{"changelog source", c.ChangelogSource, []string{"file", "kafka"}},
		{"manifest sink", c.ManifestSink, []string{"file", "kafka", "both"}},
		{"manifest source", c.ManifestSource, []string{"file", "kafka"}},
		{"notify sink", c.NotifySink, []string{"log", "kafka", "both"}},
		{"input source", c.InputSource, []string{"sample", "file", "kafka"}},
	}
	for _, ch := range checks {
		if !oneOf(ch.value, ch.allowed) {
			return fmt.Errorf("invalid %s %q (want one of %v)", ch.name, ch.value, ch.allowed)
		}
	}
	if c.UsesKafka() && c.KafkaBootstrap == "" {
		return fmt.Errorf("kafka bootstrap required")
	}
	if c.InputSource == "file" && c.InputFile == "" {
		return fmt.Errorf("input file required")
	}
	return nil
}

// UsesKafka reports whether any configured sink or source is Kafka.
func (c Config) UsesKafka() bool {
	for _, v := range []string{c.ChangelogSink, c.ManifestSink, c.NotifySink} {
		if v == "kafka" || v == "both" {
			return true
		}
	}
	return c.ChangelogSource == "kafka" || c.ManifestSource == "kafka" || c.InputSource == "kafka"
}

func oneOf(v string, allowed []string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func envInt(name string, fallback int) int {
	if raw := os.Getenv(EnvPrefix + name); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			return v
		}
	}
	return fallback
}

func envString(name, fallback string) string {
	if raw := os.Getenv(EnvPrefix + name); raw != "" {
		return raw
	}
	return fallback
}
