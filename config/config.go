package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.StandardLogger()

var ErrInvalid = errors.New("invalid config")

// Config represents the configuration of a gossipmesh node
type Config struct {
	// Default config file location
	configFile string

	// Network settings: the local port we listen on and the optional peer
	// contacted on startup
	Network struct {
		Port      int    `json:"port"`
		Bootstrap string `json:"bootstrap"`
	} `json:"network"`

	Gossip struct {
		// Seconds between two broadcasts
		Period int `json:"period"`
	} `json:"gossip"`

	DataStore struct {
		PeerBookPath string `json:"peerbook"`
	} `json:"datastore"`

	// Address of the /metrics HTTP endpoint; empty disables it
	Metrics struct {
		Listen string `json:"listen"`
	} `json:"metrics"`
}

// NewEmptyConfig generates a new configuration with default settings
func NewEmptyConfig(configFile string) *Config {
	cfg := &Config{}

	cfg.configFile = configFile

	cfg.Network.Port = 9000
	cfg.Network.Bootstrap = ""

	cfg.Gossip.Period = 5

	cfg.DataStore.PeerBookPath = "/tmp/gossipmesh/peerbook"

	cfg.Metrics.Listen = ""

	return cfg
}

func NewConfigFromFile(configFile string) (*Config, error) {
	cfg := NewEmptyConfig(configFile)
	if err := cfg.Load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save saves the configuration to a file
func (c *Config) Save() error {
	log.Infof("Saving config to %s", c.configFile)

	// We'll marshall our structure to JSON and write it into a file
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.configFile, data, 0644)
}

func (c *Config) Load() error {
	log.Infof("Loading config from %s", c.configFile)
	data, err := os.ReadFile(c.configFile)
	if err != nil {
		return err
	}

	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalid, c.configFile, err)
	}

	return nil
}

// Validate checks the values a node cannot start without.
func (c *Config) Validate() error {
	if c.Network.Port < 1 || c.Network.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalid, c.Network.Port)
	}
	if c.Gossip.Period < 1 {
		return fmt.Errorf("%w: gossip period must be at least 1 second, got %d", ErrInvalid, c.Gossip.Period)
	}
	if c.Network.Bootstrap != "" {
		if _, _, err := net.SplitHostPort(c.Network.Bootstrap); err != nil {
			return fmt.Errorf("%w: bootstrap address %q: %w", ErrInvalid, c.Network.Bootstrap, err)
		}
	}
	return nil
}

// ListenAddress is the loopback address the node listens on and advertises.
func (c *Config) ListenAddress() string {
	return net.JoinHostPort("127.0.0.1", strconv.Itoa(c.Network.Port))
}

func (c *Config) GossipInterval() time.Duration {
	return time.Duration(c.Gossip.Period) * time.Second
}
