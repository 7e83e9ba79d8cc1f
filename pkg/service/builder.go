package service

import (
	"net/http"

	"github.com/funnyzak/tapkit/pkg/registry"
	"github.com/funnyzak/tapkit/pkg/transport"
)

var (
	_ registry.Builder[*Client]   = (*Builder)(nil)
	_ registry.ResetHook[*Client] = (*Builder)(nil)
)

// Builder creates Clients for one registry key.
type Builder struct {
	Name string
	// BaseURL is used when the registry holds no override.
	BaseURL string
	// Headers are applied to the first client; later clients inherit the
	// headers of the client they replace.
	Headers map[string]string
	Logger  transport.Logger
}

// Build implements registry.Builder.
func (b *Builder) Build(old *Client, baseURL string, hc *http.Client) (*Client, error) {
	if baseURL == "" {
		baseURL = b.BaseURL
	}
	c, err := New(b.Name, baseURL, hc)
	if err != nil {
		return nil, err
	}
	if old != nil {
		for k, vs := range old.Headers() {
			for _, v := range vs {
				c.headers.Add(k, v)
			}
		}
		return c, nil
	}
	for k, v := range b.Headers {
		c.SetHeader(k, v)
	}
	return c, nil
}

// OnResetBefore implements registry.ResetHook.
func (b *Builder) OnResetBefore(key string, old *Client) {
	if b.Logger == nil || old == nil {
		return
	}
	b.Logger.Debug("Service client reset requested",
		"service", key,
		"base_url", old.BaseURL(),
		"in_flight", old.InFlight(),
	)
}

// OnReset implements registry.ResetHook.
func (b *Builder) OnReset(key string, c *Client) {
	if b.Logger == nil {
		return
	}
	b.Logger.Info("Service client rebuilt",
		"service", key,
		"base_url", c.BaseURL(),
	)
}
