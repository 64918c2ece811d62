package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/denisbrodbeck/machineid"
	"github.com/goccy/go-json"
	"github.com/joho/godotenv"
	"github.com/openmined/storeman/internal/hashing"
	"github.com/openmined/storeman/internal/lock"
	"github.com/openmined/storeman/internal/utils"
	"github.com/spf13/viper"
)

const (
	// FileName is the configuration file kept at the archive root.
	FileName  = "storeman.json"
	EnvPrefix = "STOREMAN"

	DefaultRetries = 3
)

var (
	DefaultLockTimeout    = lock.DefaultTimeout
	DefaultHashAlgorithms = hashing.DefaultAlgorithms

	ErrNoConfig = errors.New("config file not found")
)

// Config describes one local archive and the vaults it is mirrored to.
type Config struct {
	// Path is the archive root. Relative paths resolve against the config file.
	Path           string        `json:"path" mapstructure:"path" validate:"required"`
	Identity       string        `json:"identity,omitempty" mapstructure:"identity" validate:"required"`
	Exclude        []string      `json:"exclude,omitempty" mapstructure:"exclude"`
	HashAlgorithms []string      `json:"hashAlgorithms,omitempty" mapstructure:"hashAlgorithms" validate:"required,min=1,dive,required"`
	LockWait       bool          `json:"lockWait,omitempty" mapstructure:"lockWait"`
	LockTimeout    time.Duration `json:"-" mapstructure:"lockTimeout" validate:"gte=0"`
	Retries        int           `json:"retries,omitempty" mapstructure:"retries" validate:"gte=0,lte=10"`
	Vaults         []VaultConfig `json:"vaults" mapstructure:"vaults" validate:"required,min=1,dive"`

	// File is where the config was loaded from.
	File string `json:"-" mapstructure:"-"`
}

type VaultConfig struct {
	Title                string            `json:"title" mapstructure:"title" validate:"required,max=64,excludesall=/\\"`
	Adapter              string            `json:"adapter" mapstructure:"adapter" validate:"required"`
	LockAdapter          string            `json:"lockAdapter,omitempty" mapstructure:"lockAdapter"`
	IndexMerger          string            `json:"indexMerger,omitempty" mapstructure:"indexMerger"`
	ConflictHandler      string            `json:"conflictHandler,omitempty" mapstructure:"conflictHandler"`
	OperationListBuilder string            `json:"operationListBuilder,omitempty" mapstructure:"operationListBuilder"`
	Settings             map[string]string `json:"settings,omitempty" mapstructure:"settings"`
}

// Vault returns the vault with the given title.
func (c *Config) Vault(title string) (*VaultConfig, bool) {
	for i := range c.Vaults {
		if c.Vaults[i].Title == title {
			return &c.Vaults[i], true
		}
	}
	return nil, false
}

// Titles lists the configured vault titles in config order.
func (c *Config) Titles() []string {
	titles := make([]string, 0, len(c.Vaults))
	for _, v := range c.Vaults {
		titles = append(titles, v.Title)
	}
	return titles
}

// Default returns a minimal config for an archive at root with a single
// local vault.
func Default(root, vaultPath string) *Config {
	cfg := &Config{
		Path: root,
		Vaults: []VaultConfig{{
			Title:    "local",
			Adapter:  "local",
			Settings: map[string]string{"path": vaultPath},
		}},
		File: filepath.Join(root, FileName),
	}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills in every unset optional value.
func ApplyDefaults(cfg *Config) {
	if cfg.Identity == "" {
		cfg.Identity = DefaultIdentity()
	}
	if len(cfg.HashAlgorithms) == 0 {
		cfg.HashAlgorithms = append([]string(nil), DefaultHashAlgorithms...)
	}
	if cfg.LockTimeout == 0 {
		cfg.LockTimeout = DefaultLockTimeout
	}
	if cfg.Retries == 0 {
		cfg.Retries = DefaultRetries
	}
	for i := range cfg.Vaults {
		v := &cfg.Vaults[i]
		if v.Settings == nil {
			v.Settings = map[string]string{}
		}
	}
}

// DefaultIdentity is user@hostname, or a protected machine id when either
// part is unavailable.
func DefaultIdentity() string {
	host, herr := os.Hostname()
	u, uerr := user.Current()
	if herr == nil && uerr == nil && host != "" && u.Username != "" {
		return u.Username + "@" + host
	}
	if id, err := machineid.ProtectedID("storeman"); err == nil {
		return "storeman-" + id[:12]
	}
	return "storeman"
}

// Load reads the config from file, which may also name the archive
// directory holding storeman.json. Environment variables prefixed with
// STOREMAN and an optional .env next to the config override file values.
func Load(file string) (*Config, error) {
	file, err := resolveFile(file)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(file); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNoConfig, file)
		}
		return nil, err
	}

	dir := filepath.Dir(file)
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(file)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// keys need to be known to viper for env overrides to apply
	for _, key := range []string{"path", "identity", "lockWait", "lockTimeout", "retries"} {
		_ = v.BindEnv(key)
	}
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", file, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config %s: %w", file, err)
	}
	cfg.File = file

	normalize(&cfg, dir)
	ApplyDefaults(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", file, err)
	}
	return &cfg, nil
}

// Save writes the config as indented JSON. Values equal to their defaults
// are left out.
func (c *Config) Save(file string) error {
	if file == "" {
		file = c.File
	}
	if err := utils.EnsureParent(file); err != nil {
		return err
	}

	out := *c
	if out.Retries == DefaultRetries {
		out.Retries = 0
	}
	if out.LockTimeout == DefaultLockTimeout {
		out.LockTimeout = 0
	}
	if slices.Equal(out.HashAlgorithms, DefaultHashAlgorithms) {
		out.HashAlgorithms = nil
	}
	if out.Identity == DefaultIdentity() {
		out.Identity = ""
	}

	doc := struct {
		*Config
		LockTimeout string `json:"lockTimeout,omitempty"`
	}{Config: &out}
	if out.LockTimeout != 0 {
		doc.LockTimeout = out.LockTimeout.String()
	}

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return os.WriteFile(file, append(data, '\n'), 0o644)
}

func resolveFile(file string) (string, error) {
	if file == "" {
		file = "."
	}
	file, err := utils.ResolvePath(file)
	if err != nil {
		return "", err
	}
	if utils.DirExists(file) {
		file = filepath.Join(file, FileName)
	}
	return file, nil
}

// normalize resolves relative paths against the config directory and
// lowercases setting keys, which viper does not do for list entries.
func normalize(cfg *Config, dir string) {
	if cfg.Path == "" {
		cfg.Path = dir
	} else if !filepath.IsAbs(cfg.Path) {
		cfg.Path = filepath.Join(dir, cfg.Path)
	}
	cfg.Path = filepath.Clean(cfg.Path)

	for i := range cfg.Vaults {
		v := &cfg.Vaults[i]
		settings := make(map[string]string, len(v.Settings))
		for k, val := range v.Settings {
			settings[strings.ToLower(k)] = val
		}
		if p, ok := settings["path"]; ok && p != "" && v.Adapter == "local" && !filepath.IsAbs(p) {
			settings["path"] = filepath.Join(dir, p)
		}
		v.Settings = settings
	}
}
