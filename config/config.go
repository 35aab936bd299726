/*
Package config loads server settings.

SOURCES (later wins):
  1. defaults (Default)
  2. optional YAML file
  3. SUBSIDIA_* environment variables
  4. command-line flags, applied by cmd/server

EXAMPLE FILE:

	http:
	  port: 8080
	  cors_origins: ["https://app.example.com"]
	  request_timeout: 15s
	store:
	  driver: sqlite
	  sqlite_dir: ./data
	lock:
	  redis_addr: ""
	log:
	  level: info
	  format: json
*/
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

const (
	DriverSQLite = "sqlite"
	DriverMongo  = "mongo"
	DriverMemory = "memory"
)

type Config struct {
	HTTP  HTTPConfig  `yaml:"http"`
	Store StoreConfig `yaml:"store"`
	Lock  LockConfig  `yaml:"lock"`
	Log   LogConfig   `yaml:"log"`
}

type HTTPConfig struct {
	Port           int           `yaml:"port"`
	CORSOrigins    []string      `yaml:"cors_origins"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type StoreConfig struct {
	Driver        string `yaml:"driver"`
	SQLiteDir     string `yaml:"sqlite_dir"`
	MongoURI      string `yaml:"mongo_uri"`
	MongoDBPrefix string `yaml:"mongo_db_prefix"`
}

// LockConfig selects the worker locker. An empty RedisAddr keeps locks in
// process, which is only correct with a single server instance.
type LockConfig struct {
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	Expiry        time.Duration `yaml:"expiry"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		HTTP: HTTPConfig{
			Port:           8080,
			CORSOrigins:    []string{"*"},
			RequestTimeout: 30 * time.Second,
		},
		Store: StoreConfig{
			Driver:        DriverSQLite,
			SQLiteDir:     "./data",
			MongoDBPrefix: "subsidia_",
		},
		Lock: LockConfig{Expiry: 30 * time.Second},
		Log:  LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path (if non-empty and present), then the environment.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	get := func(key string) (string, bool) {
		v, ok := lookup("SUBSIDIA_" + key)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}

	if v, ok := get("PORT"); ok {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("SUBSIDIA_PORT: %w", err)
		}
		c.HTTP.Port = port
	}
	if v, ok := get("CORS_ORIGINS"); ok {
		c.HTTP.CORSOrigins = splitList(v)
	}
	if v, ok := get("REQUEST_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SUBSIDIA_REQUEST_TIMEOUT: %w", err)
		}
		c.HTTP.RequestTimeout = d
	}
	if v, ok := get("STORE_DRIVER"); ok {
		c.Store.Driver = strings.ToLower(v)
	}
	if v, ok := get("SQLITE_DIR"); ok {
		c.Store.SQLiteDir = v
	}
	if v, ok := get("MONGO_URI"); ok {
		c.Store.MongoURI = v
	}
	if v, ok := get("MONGO_DB_PREFIX"); ok {
		c.Store.MongoDBPrefix = v
	}
	if v, ok := get("REDIS_ADDR"); ok {
		c.Lock.RedisAddr = v
	}
	if v, ok := get("REDIS_PASSWORD"); ok {
		c.Lock.RedisPassword = v
	}
	if v, ok := get("LOCK_EXPIRY"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("SUBSIDIA_LOCK_EXPIRY: %w", err)
		}
		c.Lock.Expiry = d
	}
	if v, ok := get("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := get("LOG_FORMAT"); ok {
		c.Log.Format = v
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port %d out of range", c.HTTP.Port))
	}
	if c.HTTP.RequestTimeout <= 0 {
		errs = append(errs, errors.New("http.request_timeout must be positive"))
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLiteDir == "" {
			errs = append(errs, errors.New("store.sqlite_dir is required for the sqlite driver"))
		}
	case DriverMongo:
		if c.Store.MongoURI == "" {
			errs = append(errs, errors.New("store.mongo_uri is required for the mongo driver"))
		}
		if len(c.Store.MongoDBPrefix) > 15 {
			errs = append(errs, errors.New("store.mongo_db_prefix is limited to 15 characters"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Lock.Expiry <= 0 {
		errs = append(errs, errors.New("lock.expiry must be positive"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	if c.Log.Format != "json" && c.Log.Format != "console" {
		errs = append(errs, fmt.Errorf("log.format %q must be json or console", c.Log.Format))
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
