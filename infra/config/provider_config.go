package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// providerEnv maps provider config keys to environment variables.
// Keys marked required must all be present for the provider to be usable.
var providerEnv = map[string][]envKey{
	"iyzico": {
		{key: "apiKey", env: "IYZICO_API_KEY", required: true},
		{key: "secretKey", env: "IYZICO_SECRET_KEY", required: true},
		{key: "environment", env: "IYZICO_ENVIRONMENT"},
		{key: "baseUrl", env: "IYZICO_BASE_URL"},
		{key: "webhookIPs", env: "IYZICO_WEBHOOK_IPS"},
	},
	"paytr": {
		{key: "merchantId", env: "PAYTR_MERCHANT_ID", required: true},
		{key: "merchantKey", env: "PAYTR_MERCHANT_KEY", required: true},
		{key: "merchantSalt", env: "PAYTR_MERCHANT_SALT", required: true},
		{key: "environment", env: "PAYTR_ENVIRONMENT"},
		{key: "baseUrl", env: "PAYTR_BASE_URL"},
		{key: "webhookIPs", env: "PAYTR_WEBHOOK_IPS"},
		{key: "maxInstallment", env: "PAYTR_MAX_INSTALLMENT"},
	},
	"stripe": {
		{key: "secretKey", env: "STRIPE_SECRET_KEY", required: true},
		{key: "webhookSecret", env: "STRIPE_WEBHOOK_SECRET", required: true},
		{key: "environment", env: "STRIPE_ENVIRONMENT"},
		{key: "baseUrl", env: "STRIPE_BASE_URL"},
	},
}

type envKey struct {
	key      string
	env      string
	required bool
}

// ProviderConfig manages payment provider credentials
type ProviderConfig struct {
	configs map[string]map[string]string
	mu      sync.RWMutex
}

// NewProviderConfig creates an empty provider configuration
func NewProviderConfig() *ProviderConfig {
	return &ProviderConfig{
		configs: make(map[string]map[string]string),
	}
}

// LoadFromEnv reads credentials for every known provider. Providers with any
// required credential missing are skipped, so they stay unavailable.
// appURL is used to derive the callback and webhook URLs, frontendURL the
// page the buyer returns to after checkout.
func (c *ProviderConfig) LoadFromEnv(appURL, frontendURL string) []string {
	var skipped []string
	base := strings.TrimRight(appURL, "/")
	returnURL := strings.TrimRight(frontendURL, "/") + "/payment/result"

	for name, keys := range providerEnv {
		cfg := make(map[string]string)
		complete := true
		for _, k := range keys {
			value := strings.TrimSpace(os.Getenv(k.env))
			if value == "" {
				if k.required {
					complete = false
				}
				continue
			}
			cfg[k.key] = value
		}
		if !complete {
			skipped = append(skipped, name)
			continue
		}
		cfg["callbackUrl"] = base + "/callback/" + name
		cfg["webhookUrl"] = base + "/webhooks/" + name
		cfg["returnUrl"] = returnURL

		c.mu.Lock()
		c.configs[name] = cfg
		c.mu.Unlock()
	}

	sort.Strings(skipped)
	return skipped
}

// SetConfig stores a configuration for a provider
func (c *ProviderConfig) SetConfig(providerName string, config map[string]string) error {
	if providerName == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if len(config) == 0 {
		return fmt.Errorf("config cannot be empty")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	configCopy := make(map[string]string, len(config))
	for k, v := range config {
		configCopy[k] = v
	}
	c.configs[strings.ToLower(providerName)] = configCopy
	return nil
}

// GetConfig returns a copy of the configuration for a provider
func (c *ProviderConfig) GetConfig(providerName string) (map[string]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	config, exists := c.configs[strings.ToLower(providerName)]
	if !exists {
		return nil, fmt.Errorf("no configuration found for provider: %s", providerName)
	}

	configCopy := make(map[string]string, len(config))
	for k, v := range config {
		configCopy[k] = v
	}
	return configCopy, nil
}

// GetAvailableProviders returns all providers that have complete credentials
func (c *ProviderConfig) GetAvailableProviders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	providers := make([]string, 0, len(c.configs))
	for provider := range c.configs {
		providers = append(providers, provider)
	}
	sort.Strings(providers)
	return providers
}

// CallbackAllowlists returns the webhookIPs entry of every available
// provider that has one, keyed by provider name
func (c *ProviderConfig) CallbackAllowlists() map[string][]string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make(map[string][]string)
	for name, cfg := range c.configs {
		var ips []string
		for _, ip := range strings.Split(cfg["webhookIPs"], ",") {
			if ip = strings.TrimSpace(ip); ip != "" {
				ips = append(ips, ip)
			}
		}
		if len(ips) > 0 {
			out[name] = ips
		}
	}
	return out
}
