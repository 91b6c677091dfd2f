package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Log       LogConfig        `yaml:"log"`
	Storage   StorageConfig    `yaml:"storage"`
	Database  DatabaseConfig   `yaml:"database"`
	Converter ConverterConfig  `yaml:"converter"`
	Esign     EsignConfig      `yaml:"esign"`
	Auth      AuthConfig       `yaml:"auth"`
	Templates []TemplateConfig `yaml:"templates"`
	Users     []User           `yaml:"users"`
}

type ServerConfig struct {
	Port int `yaml:"port"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StorageConfig configures the MinIO bucket holding templates, generated
// artifacts and calibration probes.
type StorageConfig struct {
	Endpoint    string `yaml:"endpoint"`
	AccessKey   string `yaml:"access_key"`
	SecretKey   string `yaml:"secret_key"`
	Bucket      string `yaml:"bucket"`
	UseSSL      bool   `yaml:"use_ssl"`
	ExpireHours int    `yaml:"expire_hours"`
}

type DatabaseConfig struct {
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// ConverterConfig configures the external layout-preserving conversion service.
type ConverterConfig struct {
	APIURL         string `yaml:"api_url"`
	APIToken       string `yaml:"api_token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// EsignConfig configures the e-signature provider adapter.
type EsignConfig struct {
	APIURL         string `yaml:"api_url"`
	ClientID       string `yaml:"client_id"`
	ClientSecret   string `yaml:"client_secret"`
	Username       string `yaml:"username"`
	Password       string `yaml:"password"`
	WebhookSeed    string `yaml:"webhook_seed"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	MaxRetries     int    `yaml:"max_retries"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	TokenExpireHours int    `yaml:"token_expire_hours"`
}

// TemplateConfig registers one template version for a contract type.
// Placeholders is the template's authoritative placeholder schema. An existing
// template id must never change its schema; re-upload under a new id instead,
// otherwise every coordinate map calibrated against it becomes invalid.
type TemplateConfig struct {
	ID           string   `yaml:"id"`
	Version      int      `yaml:"version"`
	ContractType string   `yaml:"contract_type"`
	StorageKey   string   `yaml:"storage_key"`
	Placeholders []string `yaml:"placeholders"`
}

type User struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

var GlobalConfig *Config

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	// Secrets may come from the environment instead of the file
	applyEnvOverrides(&cfg)

	// Set defaults
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	if cfg.Storage.ExpireHours == 0 {
		cfg.Storage.ExpireHours = 24
	}
	if cfg.Auth.TokenExpireHours == 0 {
		cfg.Auth.TokenExpireHours = 24
	}
	if cfg.Converter.TimeoutSeconds == 0 {
		cfg.Converter.TimeoutSeconds = 60
	}
	if cfg.Esign.TimeoutSeconds == 0 {
		cfg.Esign.TimeoutSeconds = 30
	}
	if cfg.Esign.MaxRetries == 0 {
		cfg.Esign.MaxRetries = 3
	}
	if cfg.Database.MaxOpenConns == 0 {
		cfg.Database.MaxOpenConns = 10
	}

	if err := validateTemplates(&cfg); err != nil {
		return nil, err
	}

	GlobalConfig = &cfg
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("STORAGE_ACCESS_KEY"); v != "" {
		cfg.Storage.AccessKey = v
	}
	if v := os.Getenv("STORAGE_SECRET_KEY"); v != "" {
		cfg.Storage.SecretKey = v
	}
	if v := os.Getenv("DATABASE_DSN"); v != "" {
		cfg.Database.DSN = v
	}
	if v := os.Getenv("CONVERTER_API_TOKEN"); v != "" {
		cfg.Converter.APIToken = v
	}
	if v := os.Getenv("ESIGN_CLIENT_SECRET"); v != "" {
		cfg.Esign.ClientSecret = v
	}
	if v := os.Getenv("ESIGN_PASSWORD"); v != "" {
		cfg.Esign.Password = v
	}
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
}

func validateTemplates(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Templates))
	for _, t := range cfg.Templates {
		if t.ID == "" || t.ContractType == "" || t.StorageKey == "" {
			return fmt.Errorf("template entry missing id, contract_type or storage_key")
		}
		if len(t.Placeholders) == 0 {
			return fmt.Errorf("template %s has an empty placeholder schema", t.ID)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate template id %s", t.ID)
		}
		seen[t.ID] = true
	}
	return nil
}

// FindUser finds a user by username
func (c *Config) FindUser(username string) *User {
	for i := range c.Users {
		if c.Users[i].Username == username {
			return &c.Users[i]
		}
	}
	return nil
}
