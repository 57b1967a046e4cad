package main

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/go-authgate/session-cli/auth"
	"github.com/go-authgate/session-cli/credential"
	"github.com/go-authgate/session-cli/transport"
)

// Config is the resolved runtime configuration.
type Config struct {
	ServerURL     string
	Env           credential.Environment
	Mode          credential.Mode
	SessionFile   string
	SignInPath    string
	CallbackPort  int
	DebugUserID   string
	DebugRole     string
	RenewInterval time.Duration
	LogLevel      logrus.Level
	LogFile       string
}

// Insecure reports whether credentials would travel in plaintext.
func (c *Config) Insecure() bool {
	return strings.HasPrefix(strings.ToLower(c.ServerURL), "http://")
}

// flagValues holds raw command-line values; empty means "not given".
type flagValues struct {
	configFile    string
	serverURL     string
	appEnv        string
	sessionFile   string
	signInPath    string
	callbackPort  string
	debugUserID   string
	debugRole     string
	renewInterval string
	logLevel      string
	logFile       string
}

// fileConfig is the optional YAML configuration file.
type fileConfig struct {
	ServerURL     string `yaml:"server_url"`
	AppEnv        string `yaml:"app_env"`
	SessionFile   string `yaml:"session_file"`
	SignInPath    string `yaml:"signin_path"`
	CallbackPort  string `yaml:"callback_port"`
	DebugUserID   string `yaml:"debug_user_id"`
	DebugRole     string `yaml:"debug_role"`
	RenewInterval string `yaml:"renew_interval"`
	LogLevel      string `yaml:"log_level"`
	LogFile       string `yaml:"log_file"`
}

// loadConfig resolves every setting with priority: flag > env > file > default.
func loadConfig(flags flagValues) (*Config, error) {
	file, err := loadConfigFile(getConfig(flags.configFile, "CONFIG_FILE", ""))
	if err != nil {
		return nil, err
	}

	value := func(flagValue, envKey, fileValue, defaultValue string) string {
		if fileValue != "" {
			defaultValue = fileValue
		}
		return getConfig(flagValue, envKey, defaultValue)
	}

	cfg := &Config{}
	cfg.ServerURL = value(flags.serverURL, "SERVER_URL", file.ServerURL, "http://localhost:8080")
	cfg.SessionFile = value(flags.sessionFile, "SESSION_FILE", file.SessionFile, ".recipe-session.json")
	cfg.SignInPath = value(flags.signInPath, "SIGNIN_PATH", file.SignInPath, transport.DefaultSignInPath)
	cfg.DebugUserID = value(flags.debugUserID, "DEBUG_USER_ID", file.DebugUserID, "debug-user")
	cfg.DebugRole = value(flags.debugRole, "DEBUG_ROLE", file.DebugRole, "user")
	cfg.LogFile = value(flags.logFile, "LOG_FILE", file.LogFile, "")

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	cfg.ServerURL = strings.TrimRight(cfg.ServerURL, "/")

	cfg.Env, err = credential.ParseEnvironment(value(flags.appEnv, "APP_ENV", file.AppEnv, ""))
	if err != nil {
		return nil, fmt.Errorf("invalid APP_ENV: %w", err)
	}
	// Resolved once; every component receives this value.
	cfg.Mode = credential.Resolve(cfg.Env)

	if err := transport.ValidateRedirect(cfg.SignInPath); err != nil {
		return nil, fmt.Errorf("invalid SIGNIN_PATH: %w", err)
	}

	cfg.CallbackPort, err = parsePort(value(flags.callbackPort, "CALLBACK_PORT", file.CallbackPort, "0"))
	if err != nil {
		return nil, fmt.Errorf("invalid CALLBACK_PORT: %w", err)
	}

	cfg.RenewInterval, err = parseInterval(value(
		flags.renewInterval, "RENEW_INTERVAL", file.RenewInterval, auth.DefaultRenewInterval.String(),
	))
	if err != nil {
		return nil, fmt.Errorf("invalid RENEW_INTERVAL: %w", err)
	}

	cfg.LogLevel, err = logrus.ParseLevel(value(flags.logLevel, "LOG_LEVEL", file.LogLevel, "info"))
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}

	return cfg, nil
}

// loadConfigFile reads the YAML file at path. An empty path yields an empty config.
func loadConfigFile(path string) (fileConfig, error) {
	var cfg fileConfig
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("error loading config from %s: %w", path, err)
	}
	return cfg, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

func parsePort(raw string) (int, error) {
	port, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if port < 0 || port > 65535 {
		return 0, fmt.Errorf("port out of range: %d", port)
	}
	return port, nil
}

func parseInterval(raw string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("interval must be positive, got: %s", d)
	}
	return d, nil
}
