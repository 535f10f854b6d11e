package spchat

import (
	"fmt"

	"github.com/spbridge/spbridge/internal/logger"
)

// Route maps a set of end-user identities to a named tenant. Routes are
// evaluated in declaration order; the first one listing the user wins.
type Route struct {
	App   string
	Users []string
}

// Factory owns one Client per configured tenant and the routing table that
// assigns end users to tenants.
type Factory struct {
	clients    map[string]*Client
	order      []string
	routes     []Route
	defaultApp string
}

// NewFactory builds the tenant clients and validates the routing table
// against them.
func NewFactory(apps []Config, routes []Route, defaultApp string) (*Factory, error) {
	if len(apps) == 0 {
		return nil, fmt.Errorf("no chat apps configured")
	}

	f := &Factory{
		clients:    make(map[string]*Client, len(apps)),
		routes:     routes,
		defaultApp: defaultApp,
	}
	for _, cfg := range apps {
		if cfg.Name == "" {
			return nil, fmt.Errorf("chat app with empty name")
		}
		if _, dup := f.clients[cfg.Name]; dup {
			return nil, fmt.Errorf("duplicate chat app %q", cfg.Name)
		}
		f.clients[cfg.Name] = NewClient(cfg)
		f.order = append(f.order, cfg.Name)
	}

	if f.defaultApp == "" {
		f.defaultApp = f.order[0]
	}
	if _, ok := f.clients[f.defaultApp]; !ok {
		return nil, fmt.Errorf("default chat app %q is not configured", f.defaultApp)
	}
	for _, rt := range routes {
		if _, ok := f.clients[rt.App]; !ok {
			return nil, fmt.Errorf("route targets unknown chat app %q", rt.App)
		}
	}
	return f, nil
}

// FindChatAPI resolves the tenant client for an end-user identity: first
// route listing the user, otherwise the default tenant.
func (f *Factory) FindChatAPI(userID string) *Client {
	for _, rt := range f.routes {
		for _, u := range rt.Users {
			if u == userID {
				return f.clients[rt.App]
			}
		}
	}
	return f.clients[f.defaultApp]
}

// ForEach visits every tenant client in configuration order.
func (f *Factory) ForEach(fn func(c *Client)) {
	for _, name := range f.order {
		fn(f.clients[name])
	}
}

// SetHandler installs the same server event consumer on every tenant.
func (f *Factory) SetHandler(h Handler) {
	f.ForEach(func(c *Client) { c.SetHandler(h) })
	logger.WithField("tenants", len(f.clients)).Debug("chat-handler-installed")
}
