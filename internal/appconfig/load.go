package appconfig

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
	"pkt.systems/senseng/schema"
)

// Load reads configuration from the provided path. If path is empty, uses DefaultConfigPath.
// A missing file yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return Config{}, err
		}
		path = defaultPath
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return Config{}, err
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("SENSENG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	configLoaded := false
	if err := v.ReadInConfig(); err != nil {
		if !isNotFound(err) {
			return Config{}, err
		}
	} else {
		configLoaded = true
	}

	if configLoaded {
		if !v.IsSet("config_version") {
			return Config{}, fmt.Errorf("config_version is required; expected %d", CurrentConfigVersion)
		}
		if v.GetInt("config_version") != CurrentConfigVersion {
			return Config{}, fmt.Errorf("unsupported config_version %d; expected %d", v.GetInt("config_version"), CurrentConfigVersion)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	expandConfigEnv(&cfg)
	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, cfg Config) {
	v.SetDefault("config_version", cfg.ConfigVersion)
	v.SetDefault("engine.flush_delay_ms", cfg.Engine.FlushDelayMS)
	v.SetDefault("engine.exec_timeout_seconds", cfg.Engine.ExecTimeoutSeconds)
	v.SetDefault("engine.clear_queue_on_error", cfg.Engine.ClearQueueOnError)
	v.SetDefault("engine.batch", cfg.Engine.Batch)
	v.SetDefault("engine.startup_script", cfg.Engine.StartupScript)
	v.SetDefault("engine.startup_code", cfg.Engine.StartupCode)
	v.SetDefault("language.name", cfg.Language.Name)
	v.SetDefault("language.echo.split", cfg.Language.Echo.Split)
	v.SetDefault("worker.mode", cfg.Worker.Mode)
	v.SetDefault("worker.command", cfg.Worker.Command)
	v.SetDefault("worker.args", cfg.Worker.Args)
	v.SetDefault("worker.env", cfg.Worker.Env)
	v.SetDefault("worker.address", cfg.Worker.Address)
	v.SetDefault("http.addr", cfg.HTTP.Addr)
	v.SetDefault("http.base_path", cfg.HTTP.BasePath)
	v.SetDefault("http.history", cfg.HTTP.History)
	v.SetDefault("ssh.addr", cfg.SSH.Addr)
	v.SetDefault("ssh.host_key_path", cfg.SSH.HostKeyPath)
	v.SetDefault("ssh.authorized_keys_path", cfg.SSH.AuthorizedKeysPath)
	v.SetDefault("ssh.allow_any_key", cfg.SSH.AllowAnyKey)
	v.SetDefault("grpc.addr", cfg.GRPC.Addr)
	v.SetDefault("transcript.dir", cfg.Transcript.Dir)
	v.SetDefault("metrics.enabled", cfg.Metrics.Enabled)
	v.SetDefault("logging.disable_audit_trails", cfg.Logging.DisableAuditTrails)
}

func isNotFound(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) {
		return true
	}
	// SetConfigFile reports a missing explicit path as an fs error.
	return errors.Is(err, fs.ErrNotExist)
}

// Validate checks cross-field constraints.
func Validate(cfg Config) error {
	if _, err := schema.NormalizeLanguage(cfg.Language.Name); err != nil {
		return fmt.Errorf("language.name %q: %w", cfg.Language.Name, err)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Language.Echo.Split)) {
	case "", "lines", "words":
	default:
		return fmt.Errorf("language.echo.split must be lines or words, got %q", cfg.Language.Echo.Split)
	}
	mode, err := schema.NormalizeWorkerMode(cfg.Worker.Mode)
	if err != nil {
		return fmt.Errorf("worker.mode: %w", err)
	}
	if mode == schema.WorkerGRPC && strings.TrimSpace(cfg.Worker.Address) == "" {
		return fmt.Errorf("worker.address is required when worker.mode is grpc")
	}
	if cfg.Engine.FlushDelayMS < 0 {
		return fmt.Errorf("engine.flush_delay_ms must not be negative")
	}
	if cfg.Engine.ExecTimeoutSeconds < 0 {
		return fmt.Errorf("engine.exec_timeout_seconds must not be negative")
	}
	if cfg.HTTP.History < 0 {
		return fmt.Errorf("http.history must not be negative")
	}
	basePath := strings.TrimSpace(cfg.HTTP.BasePath)
	if basePath != "" {
		if strings.Contains(basePath, "://") {
			return fmt.Errorf("http.base_path must be a path prefix, not a URL")
		}
		if strings.ContainsAny(basePath, "?#") {
			return fmt.Errorf("http.base_path must not include query or fragment")
		}
	}
	return nil
}

func expandConfigEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	cfg.Engine.StartupScript = expandEnv(cfg.Engine.StartupScript)
	cfg.Worker.Command = expandEnv(cfg.Worker.Command)
	cfg.Worker.Address = expandEnv(cfg.Worker.Address)
	cfg.SSH.HostKeyPath = expandEnv(cfg.SSH.HostKeyPath)
	cfg.SSH.AuthorizedKeysPath = expandEnv(cfg.SSH.AuthorizedKeysPath)
	cfg.GRPC.Addr = expandEnv(cfg.GRPC.Addr)
	cfg.Transcript.Dir = expandEnv(cfg.Transcript.Dir)
}

func expandEnv(value string) string {
	if value == "" {
		return value
	}
	return os.Expand(value, func(key string) string {
		if key == "" {
			return ""
		}
		if val, ok := lookupEnv(key); ok {
			return val
		}
		return "$" + key
	})
}

func lookupEnv(key string) (string, bool) {
	if val, ok := os.LookupEnv(key); ok {
		return val, true
	}
	switch key {
	case "UID":
		return fmt.Sprintf("%d", os.Getuid()), true
	case "GID":
		return fmt.Sprintf("%d", os.Getgid()), true
	}
	return "", false
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

// WriteDefault writes the default config to the target path.
func WriteDefault(path string, overwrite bool) (string, error) {
	if path == "" {
		defaultPath, err := DefaultConfigPath()
		if err != nil {
			return "", err
		}
		path = defaultPath
	}

	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("config already exists at %s", path)
		}
	}

	cfg, err := DefaultConfig()
	if err != nil {
		return "", err
	}

	data, err := Marshal(cfg)
	if err != nil {
		return "", err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
