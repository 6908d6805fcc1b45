package gateway

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/billingworks/rebill/internal/gateway/adapters"
	"github.com/billingworks/rebill/internal/gateway/domain"
)

// Clients hands out a cached charge client per provider. Credentials come
// from GATEWAY_<PROVIDER>_API_KEY and GATEWAY_<PROVIDER>_ENDPOINT; adapters
// fall back to their production endpoints when the endpoint is unset.
type Clients struct {
	registry *adapters.Registry
	timeout  time.Duration

	mu    sync.Mutex
	cache map[string]domain.Client
}

func NewClients(registry *adapters.Registry) *Clients {
	timeout := 30 * time.Second
	if raw := os.Getenv("GATEWAY_CHARGE_TIMEOUT"); raw != "" {
		if parsed, err := time.ParseDuration(raw); err == nil && parsed > 0 {
			timeout = parsed
		}
	}
	return &Clients{
		registry: registry,
		timeout:  timeout,
		cache:    map[string]domain.Client{},
	}
}

func (c *Clients) Registry() *adapters.Registry { return c.registry }

func (c *Clients) ClientFor(provider string) (domain.Client, error) {
	provider = strings.ToLower(strings.TrimSpace(provider))

	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.cache[provider]; ok {
		return client, nil
	}

	envKey := strings.ToUpper(provider)
	cfg := domain.AdapterConfig{
		APIKey:   os.Getenv(fmt.Sprintf("GATEWAY_%s_API_KEY", envKey)),
		Endpoint: os.Getenv(fmt.Sprintf("GATEWAY_%s_ENDPOINT", envKey)),
		Timeout:  c.timeout,
	}
	client, err := c.registry.NewClient(provider, cfg)
	if err != nil {
		return nil, err
	}
	c.cache[provider] = client
	return client, nil
}
