package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gotomicro/ego/core/econf"
)

// RedisConfig addresses one redis deployment. Prefix is prepended to every key.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string
}

// CodecConfig controls how the redis provider stores chunks.
// Compress is "", "snappy" or "zstd"; Encrypt is "", "aes256" or "sm4".
type CodecConfig struct {
	Compress string
	Level    int
	Encrypt  string
	Key      string
}

type StorageConfig struct {
	Provider  string // memory, fs, redis
	Root      string // fs root directory
	ChunkSize int
	Redis     RedisConfig
	Codec     CodecConfig
}

type AuthConfig struct {
	Region      string
	SkewSec     int
	CacheTTLSec int
	KeyStore    RedisConfig
	// Static seeds an in-memory key store when KeyStore.Addr is empty.
	Static map[string]string
}

type AdminConfig struct {
	User         string
	PasswordHash string // bcrypt
	Secret       string // jwt signing secret
}

// MultipartConfig drives the janitor that aborts abandoned uploads.
// An empty Schedule disables it.
type MultipartConfig struct {
	Schedule  string // cron: minute hour day month weekday
	MaxAgeSec int
}

func (c *MultipartConfig) MaxAge() time.Duration {
	return time.Duration(c.MaxAgeSec) * time.Second
}

type Config struct {
	Storage   StorageConfig
	Auth      AuthConfig
	Admin     AdminConfig
	Multipart MultipartConfig
}

var config *Config

func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Provider:  "memory",
			ChunkSize: DEFAULT_CHUNK_SIZE,
		},
		Auth: AuthConfig{
			Region:      DEFAULT_REGION,
			SkewSec:     DEFAULT_SKEW_SEC,
			CacheTTLSec: DEFAULT_CACHE_TTL,
		},
		Multipart: MultipartConfig{
			Schedule:  DEFAULT_JANITOR_SCHEDULE,
			MaxAgeSec: DEFAULT_UPLOAD_MAX_AGE,
		},
	}
}

// LoadConfig reads the given section from the ego configuration and then
// applies S3GW_* environment overrides.
func LoadConfig(key string) (*Config, error) {
	c := DefaultConfig()
	if err := econf.UnmarshalKey(key, c); err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	c.ApplyEnv()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) ApplyEnv() {
	setStr(&c.Storage.Provider, "S3GW_PROVIDER")
	setStr(&c.Storage.Root, "S3GW_ROOT")
	setInt(&c.Storage.ChunkSize, "S3GW_CHUNK_SIZE")
	setStr(&c.Storage.Redis.Addr, "S3GW_STORAGE_REDIS_ADDR")
	setStr(&c.Storage.Codec.Compress, "S3GW_COMPRESS")
	setStr(&c.Storage.Codec.Encrypt, "S3GW_ENCRYPT")
	setStr(&c.Storage.Codec.Key, "S3GW_ENCRYPT_KEY")

	setStr(&c.Auth.Region, "S3GW_REGION")
	setInt(&c.Auth.SkewSec, "S3GW_SKEW_SEC")
	setInt(&c.Auth.CacheTTLSec, "S3GW_CACHE_TTL_SEC")
	setStr(&c.Auth.KeyStore.Addr, "S3GW_REDIS_ADDR")
	setStr(&c.Auth.KeyStore.Password, "S3GW_REDIS_PASSWORD")

	setStr(&c.Admin.Secret, "S3GW_SECRET")

	setStr(&c.Multipart.Schedule, "S3GW_JANITOR_SCHEDULE")
	setInt(&c.Multipart.MaxAgeSec, "S3GW_UPLOAD_MAX_AGE_SEC")

	if c.Storage.Root == "" && S3GW_BASE != "" {
		c.Storage.Root = S3GW_BASE
	}
}

func (c *Config) Validate() error {
	switch c.Storage.Provider {
	case "memory":
	case "fs":
		if c.Storage.Root == "" {
			return fmt.Errorf("fs provider needs a root: %w", ERR_INVALID_ARGUMENT)
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("redis provider needs an address: %w", ERR_INVALID_ARGUMENT)
		}
	default:
		return fmt.Errorf("unknown provider %q: %w", c.Storage.Provider, ERR_INVALID_ARGUMENT)
	}
	if c.Storage.ChunkSize <= 0 {
		c.Storage.ChunkSize = DEFAULT_CHUNK_SIZE
	}
	if c.Auth.SkewSec <= 0 {
		c.Auth.SkewSec = DEFAULT_SKEW_SEC
	}
	if c.Auth.Region == "" {
		c.Auth.Region = DEFAULT_REGION
	}
	if c.Multipart.MaxAgeSec <= 0 {
		c.Multipart.MaxAgeSec = DEFAULT_UPLOAD_MAX_AGE
	}
	return nil
}

func (c *AuthConfig) Skew() time.Duration {
	return time.Duration(c.SkewSec) * time.Second
}

func (c *AuthConfig) CacheTTL() time.Duration {
	return time.Duration(c.CacheTTLSec) * time.Second
}

func Init(c *Config) {
	config = c
}

func Conf() *Config {
	if config == nil {
		return DefaultConfig()
	}
	return config
}

func setStr(dst *string, env string) {
	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		*dst = v
	}
}

func setInt(dst *int, env string) {
	if v := os.Getenv(env); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			*dst = n
		}
	}
}
