// Package config holds the engine configuration.
//
// A Config is built once from (in precedence order) command-line flags,
// NXDRIVE_* environment variables, the {nxdrive_home}/config.toml file and
// built-in defaults, then optionally overlaid with the policy pushed by the
// server. It is passed by pointer to every component and never mutated after
// the engine starts.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Deletion behaviors.
const (
	DeleteToTrash = "trash"
	DeleteForever = "delete"
)

// Option keys, shared by viper, the config file, flags and env variables.
const (
	KeyHome               = "nxdrive_home"
	KeyDelay              = "delay"
	KeyHandshakeTimeout   = "handshake_timeout"
	KeyTimeout            = "timeout"
	KeyMaxSyncStep        = "max_sync_step"
	KeyMaxErrors          = "max_errors"
	KeyBigFile            = "big_file"
	KeyChunkSize          = "chunk_size"
	KeyUpdateCheckDelay   = "update_check_delay"
	KeySSLNoVerify        = "ssl_no_verify"
	KeyDeletionBehavior   = "deletion_behavior"
	KeyDatabaseBatchSize  = "database_batch_size"
	KeyMaxFileProcessors  = "max_file_processors"
	KeyErrorInterval      = "error_interval"
	KeyRemoteScanInterval = "remote_scan_interval"
	KeyStopTimeout        = "stop_timeout"
	KeyMoveDetection      = "move_detection_delay"
	KeyNotifyPort         = "notify_port"
	KeyVerbose            = "verbose"
	KeyConsoleLog         = "console_log"
	KeyFeatureS3          = "feature.s3"
	KeyFeatureDirect      = "feature.direct_transfer"
	KeyFeatureAutoResume  = "feature.auto_resume"
)

// Features are optional behaviors toggled locally or by the server.
type Features struct {
	S3DirectUpload      bool
	DirectTransfer      bool
	AutoResumeTransfers bool
}

// Config is the immutable engine configuration.
type Config struct {
	Home               string
	Delay              time.Duration
	HandshakeTimeout   time.Duration
	Timeout            time.Duration
	MaxSyncStep        int
	MaxErrors          int
	BigFile            int64 // MiB
	ChunkSize          int64 // MiB
	UpdateCheckDelay   time.Duration
	SSLNoVerify        bool
	DeletionBehavior   string
	DatabaseBatchSize  int
	MaxFileProcessors  int
	ErrorInterval      time.Duration
	RemoteScanInterval time.Duration
	StopTimeout        time.Duration
	MoveDetectionDelay time.Duration
	NotifyPort         int
	Verbose            bool
	ConsoleLog         bool
	Features           Features

	explicit map[string]bool
}

// DefaultHome returns ~/.nuxeo-drive, or a relative fallback when the home
// directory cannot be resolved.
func DefaultHome() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".nuxeo-drive"
	}
	return filepath.Join(home, ".nuxeo-drive")
}

// SetDefaults registers every option default on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHome, DefaultHome())
	v.SetDefault(KeyDelay, 30)
	v.SetDefault(KeyHandshakeTimeout, 60)
	v.SetDefault(KeyTimeout, 20)
	v.SetDefault(KeyMaxSyncStep, 10)
	v.SetDefault(KeyMaxErrors, 3)
	v.SetDefault(KeyBigFile, 300)
	v.SetDefault(KeyChunkSize, 20)
	v.SetDefault(KeyUpdateCheckDelay, 3600)
	v.SetDefault(KeySSLNoVerify, false)
	v.SetDefault(KeyDeletionBehavior, DeleteToTrash)
	v.SetDefault(KeyDatabaseBatchSize, 256)
	v.SetDefault(KeyMaxFileProcessors, 5)
	v.SetDefault(KeyErrorInterval, 60)
	v.SetDefault(KeyRemoteScanInterval, 0)
	v.SetDefault(KeyStopTimeout, 10)
	v.SetDefault(KeyMoveDetection, 1000)
	v.SetDefault(KeyNotifyPort, 0)
	v.SetDefault(KeyVerbose, false)
	v.SetDefault(KeyConsoleLog, true)
	v.SetDefault(KeyFeatureS3, false)
	v.SetDefault(KeyFeatureDirect, true)
	v.SetDefault(KeyFeatureAutoResume, true)
}

// Default returns a Config built only from defaults.
func Default() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := fromViper(v, nil)
	if err != nil {
		// Defaults are always valid.
		panic(err)
	}
	return cfg
}

// Load reads the configuration file and environment into v and builds the
// Config. changed reports whether a command-line flag was explicitly set for
// a key; it may be nil.
func Load(v *viper.Viper, changed func(key string) bool) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix("NXDRIVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	home := v.GetString(KeyHome)
	v.SetConfigName("config")
	v.AddConfigPath(home)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	return fromViper(v, changed)
}

func fromViper(v *viper.Viper, changed func(string) bool) (*Config, error) {
	secs := func(key string) time.Duration {
		return time.Duration(v.GetInt(key)) * time.Second
	}

	cfg := &Config{
		Home:               v.GetString(KeyHome),
		Delay:              secs(KeyDelay),
		HandshakeTimeout:   secs(KeyHandshakeTimeout),
		Timeout:            secs(KeyTimeout),
		MaxSyncStep:        v.GetInt(KeyMaxSyncStep),
		MaxErrors:          v.GetInt(KeyMaxErrors),
		BigFile:            v.GetInt64(KeyBigFile),
		ChunkSize:          v.GetInt64(KeyChunkSize),
		UpdateCheckDelay:   secs(KeyUpdateCheckDelay),
		SSLNoVerify:        v.GetBool(KeySSLNoVerify),
		DeletionBehavior:   strings.ToLower(v.GetString(KeyDeletionBehavior)),
		DatabaseBatchSize:  v.GetInt(KeyDatabaseBatchSize),
		MaxFileProcessors:  v.GetInt(KeyMaxFileProcessors),
		ErrorInterval:      secs(KeyErrorInterval),
		RemoteScanInterval: secs(KeyRemoteScanInterval),
		StopTimeout:        secs(KeyStopTimeout),
		MoveDetectionDelay: time.Duration(v.GetInt(KeyMoveDetection)) * time.Millisecond,
		NotifyPort:         v.GetInt(KeyNotifyPort),
		Verbose:            v.GetBool(KeyVerbose),
		ConsoleLog:         v.GetBool(KeyConsoleLog),
		Features: Features{
			S3DirectUpload:      v.GetBool(KeyFeatureS3),
			DirectTransfer:      v.GetBool(KeyFeatureDirect),
			AutoResumeTransfers: v.GetBool(KeyFeatureAutoResume),
		},
		explicit: make(map[string]bool),
	}

	for _, key := range policyKeys {
		if v.InConfig(key) || envSet(key) || (changed != nil && changed(key)) {
			cfg.explicit[key] = true
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func envSet(key string) bool {
	name := "NXDRIVE_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
	_, ok := os.LookupEnv(name)
	return ok
}

// Validate checks option ranges.
func (c *Config) Validate() error {
	if c.Home == "" {
		return fmt.Errorf("%s is required", KeyHome)
	}
	if c.Delay <= 0 {
		return fmt.Errorf("%s must be positive (got %v)", KeyDelay, c.Delay)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", KeyChunkSize, c.ChunkSize)
	}
	if c.BigFile <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", KeyBigFile, c.BigFile)
	}
	if c.MaxErrors <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", KeyMaxErrors, c.MaxErrors)
	}
	if c.MaxFileProcessors <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", KeyMaxFileProcessors, c.MaxFileProcessors)
	}
	if c.DatabaseBatchSize <= 0 {
		return fmt.Errorf("%s must be positive (got %d)", KeyDatabaseBatchSize, c.DatabaseBatchSize)
	}
	switch c.DeletionBehavior {
	case DeleteToTrash, DeleteForever:
	default:
		return fmt.Errorf("%s must be %q or %q (got %q)", KeyDeletionBehavior, DeleteToTrash, DeleteForever, c.DeletionBehavior)
	}
	return nil
}

// BigFileBytes returns the deferred-digest threshold in bytes.
func (c *Config) BigFileBytes() int64 {
	return c.BigFile << 20
}

// ChunkSizeBytes returns the upload chunk size in bytes.
func (c *Config) ChunkSizeBytes() int64 {
	return c.ChunkSize << 20
}

// DatabasePath returns the state database location of an engine.
func (c *Config) DatabasePath(engineUID string) string {
	return filepath.Join(c.Home, engineUID+".db")
}

// LogDir returns the directory holding rotated log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.Home, "logs")
}

// IsExplicit reports whether the user set key locally.
func (c *Config) IsExplicit(key string) bool {
	return c.explicit[key]
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	cp := *c
	cp.explicit = make(map[string]bool, len(c.explicit))
	for k, v := range c.explicit {
		cp.explicit[k] = v
	}
	return &cp
}
