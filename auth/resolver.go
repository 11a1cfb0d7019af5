// Package auth resolves access key ids to signing secrets.
package auth

import (
	"context"
	"fmt"

	"github.com/go-redis/redis/v7"
	"github.com/orcastor/s3gw/core"
)

// Credential is immutable once resolved.
type Credential struct {
	AccessKeyID string
	Secret      string
}

// Resolver returns the credential for an access key id, or an error
// matching core.ERR_UNKNOWN_ACCESS_KEY or core.ERR_BACKEND_UNAVAILABLE.
type Resolver interface {
	Resolve(ctx context.Context, accessKeyID string) (*Credential, error)
}

// KeyStore is a Resolver that can also be written to.
type KeyStore interface {
	Resolver
	PutSecret(ctx context.Context, accessKeyID, secret string) error
	DeleteSecret(ctx context.Context, accessKeyID string) error
}

// New builds the key store described by cfg: redis when an address is
// configured, the static map otherwise, cached when a ttl is set.
func New(cfg core.AuthConfig) KeyStore {
	var ks KeyStore
	if cfg.KeyStore.Addr != "" {
		ks = NewRedisResolver(redis.NewClient(&redis.Options{
			Addr:     cfg.KeyStore.Addr,
			Password: cfg.KeyStore.Password,
			DB:       cfg.KeyStore.DB,
		}), cfg.KeyStore.Prefix)
	} else {
		ks = NewStaticResolver(cfg.Static)
	}
	if cfg.CacheTTLSec > 0 {
		return NewCachingResolver(ks, cfg.CacheTTL())
	}
	return ks
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", core.ERR_BACKEND_UNAVAILABLE, err)
}
