// Package config loads runtime configuration from defaults, an optional file and the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Blob backends.
const (
	BackendAuto  = "auto"
	BackendOSS   = "oss"
	BackendGCS   = "gcs"
	BackendLocal = "local"
)

// Config is the full runtime configuration.
type Config struct {
	Feishu  Feishu  `mapstructure:"feishu"`
	Aliyun  Aliyun  `mapstructure:"aliyun"`
	Blob    Blob    `mapstructure:"blob"`
	Sync    Sync    `mapstructure:"sync"`
	Storage Storage `mapstructure:"storage"`
	Google  Google  `mapstructure:"google"`
	Log     Log     `mapstructure:"log"`
	Port    string  `mapstructure:"port"`
}

// Feishu configures the bitable source.
type Feishu struct {
	AppID             string `mapstructure:"app_id"`
	AppSecret         string `mapstructure:"app_secret"`
	AppToken          string `mapstructure:"app_token"`
	TableID           string `mapstructure:"table_id"`
	ViewID            string `mapstructure:"view_id"`
	LocationsTableID  string `mapstructure:"locations_table_id"`
	ProvenanceTableID string `mapstructure:"provenance_table_id"`
	BaseURL           string `mapstructure:"base_url"`
}

// Aliyun holds OSS credentials.
type Aliyun struct {
	OSS OSS `mapstructure:"oss"`
}

// OSS configures the Aliyun OSS blob backend.
type OSS struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	AccessKeySecret string `mapstructure:"access_key_secret"`
	Endpoint        string `mapstructure:"endpoint"`
}

// Complete reports whether enough is set to connect.
func (o OSS) Complete() bool {
	return o.Bucket != "" && o.AccessKeyID != "" && o.AccessKeySecret != "" && (o.Region != "" || o.Endpoint != "")
}

// Blob selects and configures the attachment store.
type Blob struct {
	Backend       string `mapstructure:"backend"`
	Prefix        string `mapstructure:"prefix"`
	PublicBaseURL string `mapstructure:"public_base_url"`
	GCSBucket     string `mapstructure:"gcs_bucket"`
	LocalDir      string `mapstructure:"local_dir"`
	CacheSize     int    `mapstructure:"cache_size"`
}

// Sync tunes a sync run.
type Sync struct {
	StatusField      string        `mapstructure:"status_field"`
	StatusValue      string        `mapstructure:"status_value"`
	BatchSize        int           `mapstructure:"batch_size"`
	PageSize         int           `mapstructure:"page_size"`
	HTTPTimeout      time.Duration `mapstructure:"http_timeout"`
	MaxResponseBytes int64         `mapstructure:"max_response_bytes"` // Largest attachment or API body accepted
}

// Storage configures where the aggregate and directory snapshot are written.
// LocalDir is used when Bucket is empty.
type Storage struct {
	Bucket        string `mapstructure:"bucket"`
	LocalDir      string `mapstructure:"local_dir"`
	ContentPath   string `mapstructure:"content_path"`
	LocationsPath string `mapstructure:"locations_path"`
}

// Google holds explicit service account credentials. Empty means application default credentials.
type Google struct {
	CredentialsJSON string `mapstructure:"credentials_json"`
}

// Log configures the slog handler.
type Log struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

var defaults = map[string]any{
	"feishu.app_id":              "",
	"feishu.app_secret":          "",
	"feishu.app_token":           "",
	"feishu.table_id":            "",
	"feishu.view_id":             "",
	"feishu.locations_table_id":  "tblaMWD1PV9lwXDr",
	"feishu.provenance_table_id": "tblwLUNdWNzv1kZw",
	"feishu.base_url":            "https://open.feishu.cn",

	"aliyun.oss.region":            "",
	"aliyun.oss.bucket":            "",
	"aliyun.oss.access_key_id":     "",
	"aliyun.oss.access_key_secret": "",
	"aliyun.oss.endpoint":          "",

	"blob.backend":         BackendAuto,
	"blob.prefix":          "hnu-timeletter",
	"blob.public_base_url": "",
	"blob.gcs_bucket":      "",
	"blob.local_dir":       "",
	"blob.cache_size":      1024,

	"sync.status_field":       "状态",
	"sync.status_value":       "已发布",
	"sync.batch_size":         5,
	"sync.page_size":          500,
	"sync.http_timeout":       30 * time.Second,
	"sync.max_response_bytes": int64(20 << 20),

	"storage.bucket":         "",
	"storage.local_dir":      ".",
	"storage.content_path":   "data/content.json",
	"storage.locations_path": "config/locations.json",

	"google.credentials_json": "",

	"log.level":  "info",
	"log.format": "json",

	"port": "8080",
}

// Load reads configuration. path may be empty; environment variables always win.
// Keys map to upper-case env names with dots replaced by underscores, e.g.
// sync.batch_size is SYNC_BATCH_SIZE.
func Load(path string) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Blob.Backend = strings.ToLower(strings.TrimSpace(cfg.Blob.Backend))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail mid-run.
func (c *Config) Validate() error {
	var errs []error
	if c.Sync.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("sync.batch_size must be at least 1, got %d", c.Sync.BatchSize))
	}
	if c.Sync.PageSize < 1 || c.Sync.PageSize > 500 {
		errs = append(errs, fmt.Errorf("sync.page_size must be between 1 and 500, got %d", c.Sync.PageSize))
	}
	if c.Sync.HTTPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("sync.http_timeout must be positive, got %s", c.Sync.HTTPTimeout))
	}
	if c.Sync.MaxResponseBytes <= 0 {
		errs = append(errs, fmt.Errorf("sync.max_response_bytes must be positive, got %d", c.Sync.MaxResponseBytes))
	}
	switch c.Blob.Backend {
	case "", BackendAuto, BackendOSS, BackendGCS, BackendLocal:
	default:
		errs = append(errs, fmt.Errorf("unknown blob.backend %q", c.Blob.Backend))
	}
	if c.Blob.Backend == BackendGCS && c.Blob.GCSBucket == "" {
		errs = append(errs, errors.New("blob.gcs_bucket is required for the gcs backend"))
	}
	if c.Blob.Backend == BackendLocal && c.Blob.LocalDir == "" {
		errs = append(errs, errors.New("blob.local_dir is required for the local backend"))
	}
	if c.Blob.Backend == BackendOSS && !c.Aliyun.OSS.Complete() {
		errs = append(errs, errors.New("aliyun.oss bucket, credentials and region or endpoint are required for the oss backend"))
	}
	return errors.Join(errs...)
}
