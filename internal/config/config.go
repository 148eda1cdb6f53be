// Package config loads runtime settings from code defaults, an optional
// YAML file, a .env file and the process environment, in that order of
// increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"

	"drmcore/internal/container"
	"drmcore/internal/storage"
	"drmcore/internal/storage/ledger"
)

type Config struct {
	// DataDir holds the ledger and file-backed rights blobs unless they are
	// set explicitly.
	DataDir   string `yaml:"dataDir" env:"DRM_DATA_DIR"`
	LedgerDir string `yaml:"ledgerDir" env:"DRM_LEDGER_DIR"`
	InMemory  bool   `yaml:"inMemory" env:"DRM_LEDGER_IN_MEMORY"`
	SyncWrite bool   `yaml:"syncWrites" env:"DRM_LEDGER_SYNC_WRITES"`

	// RightsStore is "fs" or "s3".
	RightsStore string `yaml:"rightsStore" env:"DRM_RIGHTS_STORE"`
	RightsDir   string `yaml:"rightsDir" env:"DRM_RIGHTS_DIR"`
	BucketName  string `yaml:"bucketName" env:"AWS_BUCKET_NAME"`
	Region      string `yaml:"region" env:"AWS_REGION"`
	KeyPrefix   string `yaml:"keyPrefix" env:"DRM_S3_KEY_PREFIX"`

	ChunkSize           int      `yaml:"chunkSize" env:"DRM_CHUNK_SIZE"`
	DefaultCount        int      `yaml:"defaultCount" env:"DRM_DEFAULT_COUNT"`
	RequireRightsOnOpen bool     `yaml:"requireRightsOnOpen" env:"DRM_REQUIRE_RIGHTS_ON_OPEN"`
	BindDevice          bool     `yaml:"bindDevice" env:"DRM_BIND_DEVICE"`
	AppID               string   `yaml:"appId" env:"DRM_APP_ID"`
	ConvertMimeTypes    []string `yaml:"convertMimeTypes"`

	LogLevel string `yaml:"logLevel" env:"DRM_LOG_LEVEL"`
}

func Default() Config {
	return Config{
		DataDir:      "drm-data",
		RightsStore:  "fs",
		BucketName:   "drmcore-rights",
		Region:       "us-east-1",
		KeyPrefix:    "rights/",
		ChunkSize:    container.DefaultChunkSize,
		DefaultCount: ledger.Unlimited,
		BindDevice:   true,
		AppID:        "drmcore",
		LogLevel:     "info",
	}
}

// Load builds the configuration. path names an optional YAML file; envFiles
// default to ".env". Missing files are skipped.
func Load(path string, envFiles ...string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
			}
		}
	}

	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}

	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RightsStore != "fs" && c.RightsStore != "s3" {
		return fmt.Errorf("invalid rights store %q: must be fs or s3", c.RightsStore)
	}
	if c.RightsStore == "s3" && c.BucketName == "" {
		return fmt.Errorf("s3 rights store requires a bucket name")
	}
	if !c.InMemory && c.LedgerDir == "" && c.DataDir == "" {
		return fmt.Errorf("ledger directory is required")
	}
	if err := container.ValidChunkSize(c.ChunkSize); err != nil {
		return err
	}
	if c.DefaultCount < ledger.Unlimited {
		return fmt.Errorf("invalid default count: %d", c.DefaultCount)
	}
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// Logger returns a logger at the configured level.
func (c Config) Logger() *logrus.Logger {
	log := logrus.New()
	if lvl, err := logrus.ParseLevel(c.LogLevel); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func (c Config) Ledger(log logrus.FieldLogger) ledger.Config {
	dir := c.LedgerDir
	if dir == "" {
		dir = filepath.Join(c.DataDir, "ledger")
	}
	return ledger.Config{
		Path:       dir,
		InMemory:   c.InMemory,
		SyncWrites: c.SyncWrite,
		Logger:     log,
	}
}

func (c Config) Store() storage.Config {
	root := c.RightsDir
	if root == "" {
		root = filepath.Join(c.DataDir, "rights")
	}
	return storage.Config{
		Backend:    c.RightsStore,
		Root:       root,
		BucketName: c.BucketName,
		Region:     c.Region,
		KeyPrefix:  c.KeyPrefix,
	}
}
