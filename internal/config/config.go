package config

import (
	"os"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Postgres   PostgresConfig   `yaml:"postgres"`
	Redis      RedisConfig      `yaml:"redis"`
	Supabase   SupabaseConfig   `yaml:"supabase"`
	Storage    StorageConfig    `yaml:"storage"`
	Bus        BusConfig        `yaml:"bus"`
	PubSub     PubSubConfig     `yaml:"pubsub"`
	CloudTasks CloudTasksConfig `yaml:"cloud_tasks"`
	Spanner    SpannerConfig    `yaml:"spanner"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	Suppliers  SuppliersConfig  `yaml:"suppliers"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type PostgresConfig struct {
	DSN             string `yaml:"dsn"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	MigrateOnStart  bool   `yaml:"migrate_on_start"`
	StatementTimout int    `yaml:"statement_timeout_ms"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type SupabaseConfig struct {
	URL        string `yaml:"url"`
	ServiceKey string `yaml:"service_key"`
}

type StorageConfig struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"`
	UsePathStyle bool   `yaml:"use_path_style"`
}

type BusConfig struct {
	Transport    string `yaml:"transport"` // "redis" or "memory"
	StreamPrefix string `yaml:"stream_prefix"`
	Group        string `yaml:"group"`
}

type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	Topic     string `yaml:"topic"`
}

type CloudTasksConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	Location  string `yaml:"location"`
	Queue     string `yaml:"queue"`
}

type SpannerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Database string `yaml:"database"` // projects/{p}/instances/{i}/databases/{d}
}

type WorkflowConfig struct {
	ExecutionTimeoutHours     int `yaml:"execution_timeout_hours"`
	SingleComponentTimeoutMin int `yaml:"single_component_timeout_min"`
	ActivityTimeoutSeconds    int `yaml:"activity_timeout_seconds"`
	HeartbeatIntervalSeconds  int `yaml:"heartbeat_interval_seconds"`
}

type SuppliersConfig struct {
	Mouser    SupplierCredentials `yaml:"mouser"`
	DigiKey   SupplierCredentials `yaml:"digikey"`
	Element14 SupplierCredentials `yaml:"element14"`
}

type SupplierCredentials struct {
	Enabled      bool   `yaml:"enabled"`
	BaseURL      string `yaml:"base_url"`
	APIKey       string `yaml:"api_key"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RatePerMin   int    `yaml:"rate_per_min"`
}

func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}
	cfg.applyEnvOverrides()
	cfg.applyDefaults()

	return &cfg, nil
}

// LoadOrDefault reads the config file when present and otherwise builds the
// whole config from environment variables, so containers can run without a
// mounted file.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return LoadConfig(path)
		}
	}
	var cfg Config
	cfg.applyEnvOverrides()
	cfg.applyDefaults()
	return &cfg, nil
}

func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Port, "PORT")
	setIfEnv(&c.Server.Env, "APP_ENV")
	setIfEnv(&c.Postgres.DSN, "DATABASE_URL")
	setIfEnv(&c.Redis.Addr, "REDIS_ADDR")
	setIfEnv(&c.Redis.Password, "REDIS_PASSWORD")
	setIfEnv(&c.Supabase.URL, "SUPABASE_URL")
	setIfEnv(&c.Supabase.ServiceKey, "SUPABASE_SERVICE_KEY")
	setIfEnv(&c.Storage.Bucket, "AUDIT_BUCKET")
	setIfEnv(&c.Storage.Region, "AUDIT_BUCKET_REGION")
	setIfEnv(&c.Storage.Endpoint, "AUDIT_BUCKET_ENDPOINT")
	setIfEnv(&c.Bus.Transport, "BUS_TRANSPORT")
	setIfEnv(&c.PubSub.ProjectID, "PUBSUB_PROJECT_ID")
	setIfEnv(&c.PubSub.Topic, "PUBSUB_TOPIC")
	setIfEnv(&c.Spanner.Database, "SPANNER_DATABASE")
	setIfEnv(&c.CloudTasks.ProjectID, "CLOUD_TASKS_PROJECT_ID")
	setIfEnv(&c.CloudTasks.Location, "CLOUD_TASKS_LOCATION")
	setIfEnv(&c.CloudTasks.Queue, "CLOUD_TASKS_QUEUE")
	setIfEnv(&c.Suppliers.Mouser.APIKey, "MOUSER_API_KEY")
	setIfEnv(&c.Suppliers.DigiKey.ClientID, "DIGIKEY_CLIENT_ID")
	setIfEnv(&c.Suppliers.DigiKey.ClientSecret, "DIGIKEY_CLIENT_SECRET")
	setIfEnv(&c.Suppliers.Element14.APIKey, "ELEMENT14_API_KEY")
}

func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "localhost:6379"
	}
	if c.Postgres.MaxOpenConns == 0 {
		c.Postgres.MaxOpenConns = 25
	}
	if c.Postgres.MaxIdleConns == 0 {
		c.Postgres.MaxIdleConns = 5
	}
	if c.Bus.Transport == "" {
		c.Bus.Transport = "redis"
	}
	if c.Bus.StreamPrefix == "" {
		c.Bus.StreamPrefix = "stream.platform"
	}
	if c.Bus.Group == "" {
		c.Bus.Group = "enrichment-orchestrator"
	}
	if c.Storage.Region == "" {
		c.Storage.Region = "us-east-1"
	}
	if c.Workflow.ExecutionTimeoutHours == 0 {
		c.Workflow.ExecutionTimeoutHours = 24
	}
	if c.Workflow.SingleComponentTimeoutMin == 0 {
		c.Workflow.SingleComponentTimeoutMin = 10
	}
	if c.Workflow.ActivityTimeoutSeconds == 0 {
		c.Workflow.ActivityTimeoutSeconds = 120
	}
	if c.Workflow.HeartbeatIntervalSeconds == 0 {
		c.Workflow.HeartbeatIntervalSeconds = 15
	}
	if c.Suppliers.Mouser.RatePerMin == 0 {
		c.Suppliers.Mouser.RatePerMin = 30
	}
	if c.Suppliers.DigiKey.RatePerMin == 0 {
		c.Suppliers.DigiKey.RatePerMin = 120
	}
	if c.Suppliers.Element14.RatePerMin == 0 {
		c.Suppliers.Element14.RatePerMin = 60
	}
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}
