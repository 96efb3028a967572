package main

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/4JX/daedalus/mirror"

	"github.com/spf13/viper"
)

const envPrefix = "DAEDALUS"

const (
	modeOnce  = "once"
	modeServe = "serve"

	storeS3     = "s3"
	storeLocal  = "local"
	storeMemory = "memory"

	previousHTTP  = "http"
	previousStore = "store"
)

// Config is the process configuration, read from DAEDALUS_* variables.
//
// S3Prefix is a key directory inside the bucket, stored without surrounding
// slashes. Published URLs are BaseURL plus the layout key, so BaseURL must
// end in S3Prefix unless a CDN maps it away.
type Config struct {
	Mode      string
	LogFormat string

	UpstreamManifestURL string
	BaseURL             string
	Prefix              string

	Store       string
	BlobRoot    string
	S3Bucket    string
	S3Prefix    string
	S3Region    string
	S3Endpoint  string
	S3AccessKey string
	S3SecretKey string

	ChunkSize      int
	ChunkCooldown  time.Duration
	PreviousSource string

	RedisAddr string
	LeaseTTL  time.Duration

	RunsMongoURI        string
	RunsMongoDB         string
	RunsMongoCollection string

	HTTPAddr     string
	SyncInterval time.Duration
	SyncTimeout  time.Duration
}

func newConfigViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	v.SetDefault("mode", modeOnce)
	v.SetDefault("log_format", "text")
	v.SetDefault("upstream_manifest_url", mirror.DefaultUpstreamManifestURL)
	v.SetDefault("prefix", mirror.DefaultPrefix)
	v.SetDefault("store", storeS3)
	v.SetDefault("blob_root", "./.temp/mirror")
	v.SetDefault("s3_region", "us-east-1")
	v.SetDefault("chunk_size", strconv.Itoa(mirror.DefaultChunkSize))
	v.SetDefault("chunk_cooldown", mirror.DefaultChunkCooldown.String())
	v.SetDefault("previous_source", previousHTTP)
	v.SetDefault("lease_ttl", "30m")
	v.SetDefault("runs_mongo_db", "daedalus")
	v.SetDefault("runs_mongo_collection", "runs")
	v.SetDefault("http_addr", "127.0.0.1:8080")
	v.SetDefault("sync_interval", "0s")
	v.SetDefault("sync_timeout", "0s")
	return v
}

func loadConfig() (Config, error) {
	return parseConfig(newConfigViper())
}

func parseConfig(v *viper.Viper) (Config, error) {
	str := func(key string) string {
		return strings.TrimSpace(v.GetString(key))
	}
	envKey := func(key string) string {
		return envPrefix + "_" + strings.ToUpper(key)
	}

	cfg := Config{
		Mode:                strings.ToLower(str("mode")),
		LogFormat:           strings.ToLower(str("log_format")),
		UpstreamManifestURL: str("upstream_manifest_url"),
		BaseURL:             str("base_url"),
		Prefix:              strings.Trim(str("prefix"), "/"),
		Store:               strings.ToLower(str("store")),
		BlobRoot:            str("blob_root"),
		S3Bucket:            str("s3_bucket"),
		S3Prefix:            strings.Trim(str("s3_prefix"), "/"),
		S3Region:            str("s3_region"),
		S3Endpoint:          str("s3_endpoint"),
		S3AccessKey:         str("s3_access_key_id"),
		S3SecretKey:         str("s3_secret_access_key"),
		PreviousSource:      strings.ToLower(str("previous_source")),
		RedisAddr:           str("redis_addr"),
		RunsMongoURI:        str("runs_mongo_uri"),
		RunsMongoDB:         str("runs_mongo_db"),
		RunsMongoCollection: str("runs_mongo_collection"),
		HTTPAddr:            str("http_addr"),
	}

	// setPositiveInt parses a required-positive int into dest.
	setPositiveInt := func(key string, dest *int) error {
		n, err := strconv.Atoi(str(key))
		if err != nil || n <= 0 {
			return fmt.Errorf("%s must be a positive integer", envKey(key))
		}
		*dest = n
		return nil
	}

	// setDuration parses a duration into dest; allowZero admits "0s".
	setDuration := func(key string, dest *time.Duration, allowZero bool) error {
		d, err := time.ParseDuration(str(key))
		if err != nil || d < 0 || (!allowZero && d == 0) {
			if allowZero {
				return fmt.Errorf("%s must be a non-negative duration", envKey(key))
			}
			return fmt.Errorf("%s must be a positive duration", envKey(key))
		}
		*dest = d
		return nil
	}

	// oneOf validates an enumeration.
	oneOf := func(key, value string, allowed ...string) error {
		for _, a := range allowed {
			if value == a {
				return nil
			}
		}
		return fmt.Errorf("invalid %s: %q (allowed: %s)", envKey(key), value, strings.Join(allowed, ", "))
	}

	for _, call := range []error{
		oneOf("mode", cfg.Mode, modeOnce, modeServe),
		oneOf("log_format", cfg.LogFormat, "text", "json"),
		oneOf("store", cfg.Store, storeS3, storeLocal, storeMemory),
		oneOf("previous_source", cfg.PreviousSource, previousHTTP, previousStore),
		setPositiveInt("chunk_size", &cfg.ChunkSize),
		setDuration("chunk_cooldown", &cfg.ChunkCooldown, true),
		setDuration("lease_ttl", &cfg.LeaseTTL, false),
		setDuration("sync_interval", &cfg.SyncInterval, true),
		setDuration("sync_timeout", &cfg.SyncTimeout, true),
		validateHTTPURL(envKey("base_url"), cfg.BaseURL),
		validateHTTPURL(envKey("upstream_manifest_url"), cfg.UpstreamManifestURL),
	} {
		if call != nil {
			return Config{}, call
		}
	}

	if cfg.Prefix == "" {
		return Config{}, fmt.Errorf("%s cannot be empty", envKey("prefix"))
	}
	if cfg.Store == storeS3 && cfg.S3Bucket == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envKey("s3_bucket"), envKey("store"), storeS3)
	}
	if cfg.Store == storeLocal && cfg.BlobRoot == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envKey("blob_root"), envKey("store"), storeLocal)
	}
	if (cfg.S3AccessKey == "") != (cfg.S3SecretKey == "") {
		return Config{}, fmt.Errorf("%s and %s must be set together", envKey("s3_access_key_id"), envKey("s3_secret_access_key"))
	}
	if cfg.Mode == modeServe && cfg.HTTPAddr == "" {
		return Config{}, fmt.Errorf("%s is required when %s=%s", envKey("http_addr"), envKey("mode"), modeServe)
	}

	return cfg, nil
}

// baseURLMissesS3Prefix reports whether BaseURL's path does not end in the
// S3 key prefix.
func baseURLMissesS3Prefix(cfg Config) bool {
	if cfg.Store != storeS3 || cfg.S3Prefix == "" {
		return false
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return false
	}
	p := strings.Trim(u.Path, "/")
	return p != cfg.S3Prefix && !strings.HasSuffix(p, "/"+cfg.S3Prefix)
}

func validateHTTPURL(key, raw string) error {
	if raw == "" {
		return fmt.Errorf("%s is required", key)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an absolute http(s) URL", key)
	}
	return nil
}
