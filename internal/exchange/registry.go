package exchange

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/perparb/perparb/internal/models"
	"github.com/perparb/perparb/internal/secrets"
)

// guardDefaults carries per-venue concurrency and pacing tuned to each
// venue's published limits.
var guardDefaults = map[string]GuardConfig{
	"binance":     {MaxConcurrent: 10, RequestsPerSec: 20},
	"bybit":       {MaxConcurrent: 10, RequestsPerSec: 10},
	"okx":         {MaxConcurrent: 5, RequestsPerSec: 10},
	"gate":        {MaxConcurrent: 5, RequestsPerSec: 10},
	"kucoin":      {MaxConcurrent: 5, RequestsPerSec: 5},
	"bitget":      {MaxConcurrent: 5, RequestsPerSec: 10},
	"hyperliquid": {MaxConcurrent: 5, RequestsPerSec: 5},
	"dydx":        {MaxConcurrent: 5, RequestsPerSec: 5},
}

// Registry builds and caches venue adapters from persisted venue
// configuration, decrypting credentials on demand.
type Registry struct {
	cipher *secrets.Cipher
	signer Signer // wallet signer shared by DEX venues, may be nil

	mu       sync.RWMutex
	adapters map[string]Adapter
}

// NewRegistry builds an adapter registry. cipher decrypts stored venue
// credentials; signer enables DEX trading and may be nil.
func NewRegistry(cipher *secrets.Cipher, signer Signer) *Registry {
	return &Registry{
		cipher:   cipher,
		signer:   signer,
		adapters: make(map[string]Adapter),
	}
}

// Supported reports whether a venue slug has an adapter implementation.
func Supported(slug string) bool {
	_, ok := guardDefaults[slug]
	return ok
}

// Get returns the cached adapter for a venue, building it from config on
// first use. The adapter is not initialized here; callers decide when to
// pay for the connectivity check.
func (r *Registry) Get(cfg models.ExchangeConfig) (Adapter, error) {
	r.mu.RLock()
	if a, ok := r.adapters[cfg.Slug]; ok {
		r.mu.RUnlock()
		return a, nil
	}
	r.mu.RUnlock()

	a, err := r.build(cfg)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.adapters[cfg.Slug]; ok {
		return existing, nil
	}
	r.adapters[cfg.Slug] = a
	return a, nil
}

// Connect builds and initializes the adapter in one step.
func (r *Registry) Connect(ctx context.Context, cfg models.ExchangeConfig) (Adapter, error) {
	a, err := r.Get(cfg)
	if err != nil {
		return nil, err
	}
	if err := a.Initialize(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize %s: %w", cfg.Slug, err)
	}
	return a, nil
}

// Evict drops a cached adapter, forcing a rebuild on next use. Called after
// credential rotation.
func (r *Registry) Evict(slug string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.adapters[slug]; ok {
		a.Close()
		delete(r.adapters, slug)
	}
}

// All returns the currently built adapters.
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}

func (r *Registry) build(cfg models.ExchangeConfig) (Adapter, error) {
	creds, err := r.credentials(cfg)
	if err != nil {
		return nil, err
	}
	acfg := AdapterConfig{
		Venue:       cfg.Slug,
		Testnet:     cfg.Testnet,
		Credentials: creds,
		Guard:       guardDefaults[cfg.Slug],
	}
	acfg.Guard.Venue = cfg.Slug

	switch cfg.Slug {
	case "binance":
		return NewBinance(acfg), nil
	case "bybit":
		return NewBybit(acfg), nil
	case "okx":
		return NewOKX(acfg), nil
	case "gate":
		return NewGate(acfg), nil
	case "kucoin":
		return NewKuCoin(acfg), nil
	case "bitget":
		return NewBitget(acfg), nil
	case "hyperliquid":
		return NewHyperliquid(acfg, r.signer), nil
	case "dydx":
		address := ""
		if r.signer != nil {
			address = r.signer.Address()
		}
		return NewDYDX(acfg, address), nil
	default:
		return nil, fmt.Errorf("unsupported venue %q", cfg.Slug)
	}
}

func (r *Registry) credentials(cfg models.ExchangeConfig) (secrets.Credentials, error) {
	if !cfg.HasCredentials() {
		return secrets.Credentials{}, nil
	}
	if r.cipher == nil {
		log.Warn().Str("venue", cfg.Slug).Msg("credentials present but no cipher configured, running unauthenticated")
		return secrets.Credentials{}, nil
	}
	creds, err := r.cipher.DecryptCredentials(cfg.EncryptedAPIKey, cfg.EncryptedAPISecret, cfg.EncryptedPassphrase)
	if err != nil {
		return secrets.Credentials{}, fmt.Errorf("failed to decrypt %s credentials: %w", cfg.Slug, err)
	}
	return creds, nil
}
