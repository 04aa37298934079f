// Package config manages sheetkit configuration from files and environment.
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the application configuration.
type Config struct {
	Server struct {
		Addr            string        `mapstructure:"addr"`
		ReadTimeout     time.Duration `mapstructure:"read_timeout"`
		WriteTimeout    time.Duration `mapstructure:"write_timeout"`
		ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	} `mapstructure:"server"`
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	KV struct {
		Path     string `mapstructure:"path"`
		InMemory bool   `mapstructure:"in_memory"`
	} `mapstructure:"kv"`
	Auth struct {
		JWTSecret          string        `mapstructure:"jwt_secret"`
		TokenTTL           time.Duration `mapstructure:"token_ttl"`
		BcryptCost         int           `mapstructure:"bcrypt_cost"`
		MaxFailedLogins    int           `mapstructure:"max_failed_logins"`
		LockoutWindow      time.Duration `mapstructure:"lockout_window"`
		PermissionCacheTTL time.Duration `mapstructure:"permission_cache_ttl"`
	} `mapstructure:"auth"`
	Crypto struct {
		MasterKey string `mapstructure:"master_key"`
	} `mapstructure:"crypto"`
	Rate struct {
		RPS   float64 `mapstructure:"rps"`
		Burst int     `mapstructure:"burst"`
	} `mapstructure:"rate"`
	Audit struct {
		FilePath    string        `mapstructure:"file_path"`
		ArchivePath string        `mapstructure:"archive_path"`
		Retention   time.Duration `mapstructure:"retention"`
	} `mapstructure:"audit"`
	SMTP struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		Username string `mapstructure:"username"`
		Password string `mapstructure:"password"`
		From     string `mapstructure:"from"`
	} `mapstructure:"smtp"`
	Patch struct {
		FeedURL       string        `mapstructure:"feed_url"`
		Dir           string        `mapstructure:"dir"`
		InstallDir    string        `mapstructure:"install_dir"`
		CheckInterval time.Duration `mapstructure:"check_interval"`
	} `mapstructure:"patch"`
	Policy struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"policy"`
	Watch struct {
		Dirs     []string      `mapstructure:"dirs"`
		Owner    string        `mapstructure:"owner"`
		Pattern  string        `mapstructure:"pattern"`
		Debounce time.Duration `mapstructure:"debounce"`
	} `mapstructure:"watch"`
	Output struct {
		Format string `mapstructure:"format"`
		Color  bool   `mapstructure:"color"`
	} `mapstructure:"output"`
}

// Load reads the configuration from ~/.sheetkit/config.yaml and SHEETKIT_* environment variables.
func Load() (*Config, error) {
	dir := configDir()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(dir)

	setDefaults(dir)

	// SHEETKIT_SERVER_ADDR overrides server.addr, and so on.
	viper.SetEnvPrefix("SHEETKIT")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file (non-fatal if missing)
	_ = viper.ReadInConfig()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	cfg.DB.Path = expandHome(cfg.DB.Path)
	cfg.KV.Path = expandHome(cfg.KV.Path)
	cfg.Audit.FilePath = expandHome(cfg.Audit.FilePath)
	cfg.Audit.ArchivePath = expandHome(cfg.Audit.ArchivePath)
	cfg.Patch.Dir = expandHome(cfg.Patch.Dir)
	cfg.Patch.InstallDir = expandHome(cfg.Patch.InstallDir)
	cfg.Policy.Path = expandHome(cfg.Policy.Path)
	for i, d := range cfg.Watch.Dirs {
		cfg.Watch.Dirs[i] = expandHome(d)
	}

	return &cfg, nil
}

func setDefaults(dir string) {
	viper.SetDefault("server.addr", ":8080")
	viper.SetDefault("server.read_timeout", "15s")
	viper.SetDefault("server.write_timeout", "30s")
	viper.SetDefault("server.shutdown_timeout", "10s")
	viper.SetDefault("db.path", filepath.Join(dir, "sheetkit.db"))
	viper.SetDefault("kv.path", filepath.Join(dir, "kv"))
	viper.SetDefault("kv.in_memory", false)
	viper.SetDefault("auth.jwt_secret", "")
	viper.SetDefault("auth.token_ttl", "24h")
	viper.SetDefault("auth.bcrypt_cost", 12)
	viper.SetDefault("auth.max_failed_logins", 5)
	viper.SetDefault("auth.lockout_window", "15m")
	viper.SetDefault("auth.permission_cache_ttl", "5m")
	viper.SetDefault("crypto.master_key", "")
	viper.SetDefault("rate.rps", 20.0)
	viper.SetDefault("rate.burst", 40)
	viper.SetDefault("audit.file_path", filepath.Join(dir, "audit.log"))
	viper.SetDefault("audit.archive_path", filepath.Join(dir, "audit-archive.log"))
	viper.SetDefault("audit.retention", "2160h")
	viper.SetDefault("smtp.host", "")
	viper.SetDefault("smtp.port", 587)
	viper.SetDefault("smtp.username", "")
	viper.SetDefault("smtp.password", "")
	viper.SetDefault("smtp.from", "")
	viper.SetDefault("patch.feed_url", "")
	viper.SetDefault("patch.dir", filepath.Join(dir, "patches"))
	viper.SetDefault("patch.install_dir", filepath.Join(dir, "installed"))
	viper.SetDefault("patch.check_interval", "24h")
	viper.SetDefault("policy.path", PolicyPath())
	viper.SetDefault("watch.dirs", []string{})
	viper.SetDefault("watch.owner", "")
	viper.SetDefault("watch.pattern", "*.xlsx")
	viper.SetDefault("watch.debounce", "500ms")
	viper.SetDefault("output.color", true)
	viper.SetDefault("output.format", "text")
}

func configDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".sheetkit"
	}
	return filepath.Join(home, ".sheetkit")
}

// Dir returns the per-user sheetkit directory.
func Dir() string {
	return configDir()
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
