package client

import (
	"encoding/json"
	"fmt"
	"sync"
)

// SiteConfig holds the key/value settings served by the backend at connect
// time (siteBaseURL, authType, casURL and whatever else the site defines).
type SiteConfig struct {
	mu     sync.RWMutex
	values map[string]any
}

// Get returns the value for key and whether it is present.
func (c *SiteConfig) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// String returns key as a string, or "" when absent.
func (c *SiteConfig) String(key string) string {
	v, ok := c.Get(key)
	if !ok || v == nil {
		return ""
	}
	return scalarString(v)
}

// Set stores one value.
func (c *SiteConfig) Set(key string, value any) {
	c.mu.Lock()
	if c.values == nil {
		c.values = make(map[string]any)
	}
	c.values[key] = value
	c.mu.Unlock()
}

// merge copies every top-level key of raw into the config.
func (c *SiteConfig) merge(raw json.RawMessage) error {
	var values map[string]any
	if err := json.Unmarshal(raw, &values); err != nil {
		return fmt.Errorf("decode site config: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.values == nil {
		c.values = make(map[string]any, len(values))
	}
	for k, v := range values {
		c.values[k] = v
	}
	return nil
}

// Snapshot returns a copy of every value.
func (c *SiteConfig) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.values))
	for k, v := range c.values {
		out[k] = v
	}
	return out
}
