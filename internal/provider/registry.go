package provider

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DefaultChannel is the name of the channel configured from the environment
const DefaultChannel = "default"

const (
	defaultCurrency = "TWD"
	defaultTimeout  = 30 * time.Second
)

// ErrUnknownChannel is returned when no configuration exists for a channel name
var ErrUnknownChannel = errors.New("unknown provider channel")

// Config is the connection configuration of one provider channel
type Config struct {
	Name          string        `yaml:"name"`
	BaseURL       string        `yaml:"base_url"`
	ChannelID     string        `yaml:"channel_id"`
	ChannelSecret string        `yaml:"channel_secret"`
	Currency      string        `yaml:"currency"`
	Timeout       time.Duration `yaml:"timeout"`
}

func (c *Config) normalize() error {
	c.Name = strings.TrimSpace(c.Name)
	if c.Name == "" {
		return errors.New("channel name is required")
	}
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		return fmt.Errorf("channel %s: base_url is required", c.Name)
	}
	if c.Currency == "" {
		c.Currency = defaultCurrency
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
	return nil
}

// Resolver returns the gateway for a channel name
type Resolver interface {
	Gateway(channel string) (Gateway, error)
}

// Registry holds the configured channels and builds one client per channel on first use
type Registry struct {
	mu      sync.Mutex
	configs map[string]Config
	clients map[string]*Client
}

var _ Resolver = (*Registry)(nil)

// NewRegistry validates and registers channel configurations
func NewRegistry(configs ...Config) (*Registry, error) {
	r := &Registry{
		configs: make(map[string]Config, len(configs)),
		clients: make(map[string]*Client),
	}

	for _, cfg := range configs {
		if err := cfg.normalize(); err != nil {
			return nil, err
		}
		if _, dup := r.configs[cfg.Name]; dup {
			return nil, fmt.Errorf("channel %s configured twice", cfg.Name)
		}
		r.configs[cfg.Name] = cfg
	}

	return r, nil
}

// Gateway returns the client for a channel; an empty name selects the default channel
func (r *Registry) Gateway(channel string) (Gateway, error) {
	if channel == "" {
		channel = DefaultChannel
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if client, ok := r.clients[channel]; ok {
		return client, nil
	}

	cfg, ok := r.configs[channel]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, channel)
	}

	client := NewClient(cfg)
	r.clients[channel] = client
	return client, nil
}

// Channels lists the configured channel names
func (r *Registry) Channels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.configs))
	for name := range r.configs {
		names = append(names, name)
	}
	return names
}
