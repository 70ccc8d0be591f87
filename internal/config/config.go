package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds every setting the service needs. It is built once at startup
// and passed explicitly into the components that need it.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth     AuthConfig     `yaml:"auth"`
	Models   ModelsConfig   `yaml:"models"`
	Training TrainingConfig `yaml:"training"`
	DB       DBConfig       `yaml:"db"`
	MinIO    MinIOConfig    `yaml:"minio"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Port         int      `yaml:"port"`
	PublicAPIURL string   `yaml:"public_api_url"`
	GinMode      string   `yaml:"gin_mode"`
	CORSOrigins  []string `yaml:"cors_origins"`
}

type AuthConfig struct {
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	PasswordHash string `yaml:"password_hash"`
	JWTSecret    string `yaml:"jwt_secret"`
}

type ModelsConfig struct {
	Dir            string `yaml:"dir"`
	CacheSize      int    `yaml:"cache_size"`
	RehydrateCache bool   `yaml:"rehydrate_cache"`
}

type TrainingConfig struct {
	Workers     int           `yaml:"workers"`
	QueueSize   int           `yaml:"queue_size"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxDepth    int           `yaml:"max_depth"`
	GraphvizDot string        `yaml:"graphviz_dot"`
}

type DBConfig struct {
	URL string `yaml:"url"`
}

type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// Enabled reports whether download artifacts should be mirrored.
func (m MinIOConfig) Enabled() bool {
	return strings.TrimSpace(m.Endpoint) != ""
}

type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when nothing overrides a setting.
// PublicAPIURL and CacheSize have no usable default and must be provided.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:        8000,
			CORSOrigins: []string{"http://localhost:3000", "https://machinelearningforkids.co.uk"},
		},
		Models: ModelsConfig{
			Dir:            "saved-models",
			RehydrateCache: true,
		},
		Training: TrainingConfig{
			Workers:   2,
			QueueSize: 100,
			Timeout:   10 * time.Minute,
			MaxDepth:  12,
		},
		MinIO: MinIOConfig{
			Bucket: "saved-models",
		},
		Log: LogConfig{
			Level: "INFO",
			File:  "logs/numbers.log",
		},
	}
}

// Load reads .env (if present), the process environment and finally the YAML
// file named by CONFIG_FILE, then validates the result.
func Load() (*Config, error) {
	// a missing .env is normal outside local development
	_ = godotenv.Load()

	cfg := Default()
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file failed: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("unmarshal config failed: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *Config, lookup lookupFunc) error {
	var errs []error

	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	num("PORT", &cfg.Server.Port)
	str("PUBLIC_API_URL", &cfg.Server.PublicAPIURL)
	str("GIN_MODE", &cfg.Server.GinMode)
	if v, ok := lookup("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		cfg.Server.CORSOrigins = splitList(v)
	}

	str("API_USERNAME", &cfg.Auth.Username)
	str("API_PASSWORD", &cfg.Auth.Password)
	str("API_PASSWORD_HASH", &cfg.Auth.PasswordHash)
	str("JWT_SECRET", &cfg.Auth.JWTSecret)

	str("SAVED_MODELS_DIR", &cfg.Models.Dir)
	num("MODELS_CACHE_SIZE", &cfg.Models.CacheSize)
	boolean("REHYDRATE_CACHE", &cfg.Models.RehydrateCache)

	num("TRAINING_WORKERS", &cfg.Training.Workers)
	num("TRAINING_QUEUE_SIZE", &cfg.Training.QueueSize)
	num("TREE_MAX_DEPTH", &cfg.Training.MaxDepth)
	str("GRAPHVIZ_DOT", &cfg.Training.GraphvizDot)
	if v, ok := lookup("TRAINING_TIMEOUT"); ok && strings.TrimSpace(v) != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, fmt.Errorf("TRAINING_TIMEOUT: %w", err))
		} else {
			cfg.Training.Timeout = d
		}
	}

	str("DATABASE_URL", &cfg.DB.URL)

	str("MINIO_ENDPOINT", &cfg.MinIO.Endpoint)
	str("MINIO_ACCESS_KEY", &cfg.MinIO.AccessKey)
	str("MINIO_SECRET_KEY", &cfg.MinIO.SecretKey)
	str("MINIO_BUCKET", &cfg.MinIO.Bucket)
	boolean("MINIO_USE_SSL", &cfg.MinIO.UseSSL)

	str("LOG_LEVEL", &cfg.Log.Level)
	str("LOG_FILE", &cfg.Log.File)

	return errors.Join(errs...)
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.PublicAPIURL) == "" {
		errs = append(errs, errors.New("PUBLIC_API_URL is required"))
	}
	if c.Models.CacheSize <= 0 {
		errs = append(errs, errors.New("MODELS_CACHE_SIZE must be a positive number"))
	}
	if strings.TrimSpace(c.Models.Dir) == "" {
		errs = append(errs, errors.New("SAVED_MODELS_DIR must not be empty"))
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT %d is out of range", c.Server.Port))
	}
	if c.Training.Workers <= 0 {
		errs = append(errs, errors.New("TRAINING_WORKERS must be a positive number"))
	}
	if c.Training.QueueSize < 0 {
		errs = append(errs, errors.New("TRAINING_QUEUE_SIZE must not be negative"))
	}
	if c.Training.Timeout <= 0 {
		errs = append(errs, errors.New("TRAINING_TIMEOUT must be positive"))
	}
	if c.Training.MaxDepth <= 0 {
		errs = append(errs, errors.New("TREE_MAX_DEPTH must be a positive number"))
	}
	if c.Auth.Username != "" && c.Auth.Password == "" && c.Auth.PasswordHash == "" {
		errs = append(errs, errors.New("API_PASSWORD or API_PASSWORD_HASH is required when API_USERNAME is set"))
	}
	if c.MinIO.Enabled() && strings.TrimSpace(c.MinIO.Bucket) == "" {
		errs = append(errs, errors.New("MINIO_BUCKET is required when MINIO_ENDPOINT is set"))
	}

	return errors.Join(errs...)
}

// PublicModelsURL is the URL prefix under which saved model folders are hosted.
func (c *Config) PublicModelsURL() string {
	return strings.TrimRight(c.Server.PublicAPIURL, "/") + "/saved-models"
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
