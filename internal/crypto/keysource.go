package crypto

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"
)

// KeySize is the raw length of a data-encryption key (AES-256).
const KeySize = 32

// KeySource fetches raw data-encryption keys by version. Implementations
// return an error wrapping ErrUnknownKeyVersion when the version genuinely
// does not exist, as opposed to a transient fetch failure.
type KeySource interface {
	Key(ctx context.Context, version int) ([]byte, error)
}

// StaticKeySource serves keys from an in-memory map. Used in tests and when
// restoring from an offline backup.
type StaticKeySource map[int][]byte

func (s StaticKeySource) Key(_ context.Context, version int) ([]byte, error) {
	key, ok := s[version]
	if !ok {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	return key, nil
}

// EnvKeySource resolves version N from the environment variable
// "<prefix>V<N>" holding a base64-encoded 32-byte key.
type EnvKeySource struct {
	prefix string
	lookup func(string) (string, bool)
}

// NewEnvKeySource returns a source reading from the process environment,
// e.g. prefix "PHI_DEK_" resolves v2 from PHI_DEK_V2.
func NewEnvKeySource(prefix string) *EnvKeySource {
	return &EnvKeySource{prefix: prefix, lookup: os.LookupEnv}
}

func (s *EnvKeySource) Key(_ context.Context, version int) ([]byte, error) {
	name := fmt.Sprintf("%sV%d", s.prefix, version)
	raw, ok := s.lookup(name)
	if !ok || raw == "" {
		return nil, fmt.Errorf("%w: v%d (%s unset)", ErrUnknownKeyVersion, version, name)
	}
	key, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", name, err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("%s: key is %d bytes, need %d", name, len(key), KeySize)
	}
	return key, nil
}

// HTTPKeySource fetches keys from a secret-store endpoint. The store is
// expected to answer GET <base>/keys/phi/v<N> with {"key": "<base64>"} and
// 404 for versions that do not exist.
type HTTPKeySource struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPKeySource builds a source for one secret-store region.
func NewHTTPKeySource(baseURL, token string) *HTTPKeySource {
	return &HTTPKeySource{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPKeySource) Key(ctx context.Context, version int) ([]byte, error) {
	url := fmt.Sprintf("%s/keys/phi/v%d", s.baseURL, version)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build key request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("key store unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: v%d", ErrUnknownKeyVersion, version)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("key store returned %d for v%d", resp.StatusCode, version)
	}

	var body struct {
		Key string `json:"key"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode key response: %w", err)
	}
	key, err := base64.StdEncoding.DecodeString(body.Key)
	if err != nil {
		return nil, fmt.Errorf("decode key material: %w", err)
	}
	if len(key) != KeySize {
		return nil, fmt.Errorf("key v%d is %d bytes, need %d", version, len(key), KeySize)
	}
	return key, nil
}

// FailoverKeySource tries a primary region first and falls back to replicas
// on transient errors. An unknown-version answer is authoritative and is
// never retried against replicas.
type FailoverKeySource struct {
	primary  KeySource
	replicas []KeySource
	logger   *log.Logger
}

// NewFailoverKeySource wires a primary source with ordered replicas.
func NewFailoverKeySource(primary KeySource, replicas ...KeySource) *FailoverKeySource {
	return &FailoverKeySource{
		primary:  primary,
		replicas: replicas,
		logger:   log.New(log.Writer(), "[KEYSOURCE] ", log.LstdFlags),
	}
}

func (s *FailoverKeySource) Key(ctx context.Context, version int) ([]byte, error) {
	key, err := s.primary.Key(ctx, version)
	if err == nil {
		return key, nil
	}
	if errors.Is(err, ErrUnknownKeyVersion) || ctx.Err() != nil {
		return nil, err
	}

	lastErr := err
	for i, replica := range s.replicas {
		s.logger.Printf("⚠️ key fetch v%d failed (%v), failing over to replica %d", version, lastErr, i+1)
		key, err := replica.Key(ctx, version)
		if err == nil {
			return key, nil
		}
		if errors.Is(err, ErrUnknownKeyVersion) || ctx.Err() != nil {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("all key source regions failed: %w", lastErr)
}
