package auth

import (
	"context"
	"sync"

	"github.com/orcastor/s3gw/core"
)

// StaticResolver is an in-memory key store for tests and single node setups.
type StaticResolver struct {
	mu      sync.RWMutex
	secrets map[string]string
}

func NewStaticResolver(secrets map[string]string) *StaticResolver {
	s := &StaticResolver{secrets: make(map[string]string, len(secrets))}
	for k, v := range secrets {
		s.secrets[k] = v
	}
	return s
}

func (s *StaticResolver) Resolve(ctx context.Context, accessKeyID string) (*Credential, error) {
	s.mu.RLock()
	secret, ok := s.secrets[accessKeyID]
	s.mu.RUnlock()
	if !ok {
		return nil, core.ERR_UNKNOWN_ACCESS_KEY
	}
	return &Credential{AccessKeyID: accessKeyID, Secret: secret}, nil
}

func (s *StaticResolver) PutSecret(ctx context.Context, accessKeyID, secret string) error {
	s.mu.Lock()
	s.secrets[accessKeyID] = secret
	s.mu.Unlock()
	return nil
}

func (s *StaticResolver) DeleteSecret(ctx context.Context, accessKeyID string) error {
	s.mu.Lock()
	delete(s.secrets, accessKeyID)
	s.mu.Unlock()
	return nil
}
