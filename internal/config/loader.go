package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadConfig loads configuration from YAML and environment variables. An
// empty path yields the defaults plus environment overrides.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		// Expand environment variables in YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal config: %w", err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "development"
	}
	s := &c.Server
	if s.Port == 0 {
		s.Port = 8080
	}
	if s.ReadTimeout <= 0 {
		s.ReadTimeout = 10 * time.Second
	}
	if s.WriteTimeout <= 0 {
		s.WriteTimeout = 10 * time.Second
	}
	if s.IdleTimeout <= 0 {
		s.IdleTimeout = 60 * time.Second
	}
	if s.ShutdownTimeout <= 0 {
		s.ShutdownTimeout = 15 * time.Second
	}
	if s.MaxBodyBytes <= 0 {
		s.MaxBodyBytes = 1 << 20
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "json"
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Kafka.TopicEvents == "" {
		c.Kafka.TopicEvents = "pixel.events"
	}
	if c.Elastic.IndexPref == "" {
		c.Elastic.IndexPref = "pixel-events"
	}
	if c.RateLimit.RatePerInterval <= 0 {
		c.RateLimit.RatePerInterval = 120
	}
	if c.RateLimit.Interval <= 0 {
		c.RateLimit.Interval = time.Minute
	}
	p := &c.Pipeline
	if p.DropThreshold <= 0 {
		p.DropThreshold = 80
	}
	if p.DedupTTL <= 0 {
		p.DedupTTL = 48 * time.Hour
	}
	if p.ConversionWorkers <= 0 {
		p.ConversionWorkers = 4
	}
	if p.ConversionQueue <= 0 {
		p.ConversionQueue = 1024
	}
	if p.MaxBatchEvents <= 0 {
		p.MaxBatchEvents = 500
	}
}

// Validate rejects configurations the collector cannot start with.
func (c *Config) Validate() error {
	var errs []error
	switch c.Database.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Database.DSN == "" {
			errs = append(errs, fmt.Errorf("database.dsn is required for driver %q", c.Database.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("database.driver %q is not supported", c.Database.Driver))
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		errs = append(errs, errors.New("redis.address is required when redis is enabled"))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is required when kafka is enabled"))
	}
	seen := make(map[string]bool, len(c.Accounts))
	for i, a := range c.Accounts {
		if a.ID == "" {
			errs = append(errs, fmt.Errorf("accounts[%d].id is required", i))
			continue
		}
		if seen[a.ID] {
			errs = append(errs, fmt.Errorf("accounts[%d]: duplicate id %q", i, a.ID))
		}
		seen[a.ID] = true
	}
	return errors.Join(errs...)
}

var durationType = reflect.TypeOf(time.Duration(0))

// overrideWithEnv walks cfg (including nested structs) and applies every
// field tagged with env: whose variable is set.
func overrideWithEnv(cfg *Config) error {
	return overrideStruct(reflect.ValueOf(cfg).Elem())
}

func overrideStruct(v reflect.Value) error {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)
		if !field.IsExported() {
			continue
		}
		if fieldVal.Kind() == reflect.Struct && field.Type != durationType {
			if err := overrideStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envKey := field.Tag.Get("env")
		if envKey == "" {
			continue
		}
		envValue, exists := os.LookupEnv(envKey)
		if !exists {
			continue
		}

		switch {
		case field.Type == durationType:
			d, err := time.ParseDuration(envValue)
			if err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
			fieldVal.SetInt(int64(d))
		case fieldVal.Kind() == reflect.String:
			fieldVal.SetString(envValue)
		case fieldVal.Kind() == reflect.Int || fieldVal.Kind() == reflect.Int64:
			n, err := strconv.ParseInt(envValue, 10, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
			fieldVal.SetInt(n)
		case fieldVal.Kind() == reflect.Bool:
			b, err := strconv.ParseBool(envValue)
			if err != nil {
				return fmt.Errorf("%s: %w", envKey, err)
			}
			fieldVal.SetBool(b)
		case fieldVal.Kind() == reflect.Slice && field.Type.Elem().Kind() == reflect.String:
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			fieldVal.Set(reflect.ValueOf(parts))
		}
	}
	return nil
}
