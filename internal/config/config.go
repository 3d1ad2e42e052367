// Package config loads the hub's YAML configuration file, overlays
// environment variables the same way the teacher's pkg/config does
// (os.ExpandEnv before unmarshalling), and optionally hot-reloads the
// routing-rules and topic-definitions files referenced from it via
// fsnotify so operators can retune the hub without a restart.
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/a2a-hub/hub/internal/hub"
	"github.com/a2a-hub/hub/internal/receiptstore"
	"github.com/a2a-hub/hub/pkg/types"
)

// Config is the top-level YAML configuration file shape.
type Config struct {
	Port              int           `yaml:"port"`
	MaxConnections    int           `yaml:"max_connections"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	MessageRetention  time.Duration `yaml:"message_retention"`
	EnablePersistence bool          `yaml:"enable_persistence"`
	EnableMetrics     bool          `yaml:"enable_metrics"`

	NATS  NATSConfig  `yaml:"nats"`
	Redis RedisConfig `yaml:"redis"`

	RulesFile  string `yaml:"rules_file"`
	TopicsFile string `yaml:"topics_file"`

	HotReload HotReloadConfig `yaml:"hot_reload"`
}

// NATSConfig configures the optional JetStream-backed durable history
// log. Only consulted when EnablePersistence is true.
type NATSConfig struct {
	URL        string        `yaml:"url"`
	StreamName string        `yaml:"stream_name"`
	Timeout    time.Duration `yaml:"timeout"`
}

// RedisConfig configures the optional Redis-backed delivery-receipt
// store. When Addr is empty the in-memory receipt backend is used.
type RedisConfig struct {
	Addr      string        `yaml:"addr"`
	KeyPrefix string        `yaml:"key_prefix"`
	MaxAge    time.Duration `yaml:"max_age"`
}

// HotReloadConfig controls whether the rules/topics files are watched
// for changes after startup.
type HotReloadConfig struct {
	Enabled bool `yaml:"enabled"`
}

// Default returns the hub's out-of-the-box configuration: in-memory
// history and receipts, no hot reload, metrics on.
func Default() *Config {
	return &Config{
		Port:              8080,
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		MessageRetention:  24 * time.Hour,
		EnablePersistence: false,
		EnableMetrics:     true,
	}
}

// Load reads a YAML file at path, expanding ${VAR} / $VAR environment
// references first, the same pattern as the teacher's
// pkg/config.LoadConfigFromFile.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// HubConfig adapts the loaded file config into the hub package's own
// Config type.
func (c *Config) HubConfig() *hub.Config {
	return &hub.Config{
		Port:              c.Port,
		MaxConnections:    c.MaxConnections,
		HeartbeatInterval: c.HeartbeatInterval,
		MessageRetention:  c.MessageRetention,
		EnablePersistence: c.EnablePersistence,
		EnableMetrics:     c.EnableMetrics,
	}
}

// ReceiptStoreConfig adapts the loaded file config into receiptstore's
// Config type.
func (c *Config) ReceiptStoreConfig() *receiptstore.Config {
	cfg := receiptstore.DefaultConfig()
	if c.MessageRetention > 0 {
		cfg.MaxAge = time.Hour
	}
	return cfg
}

// RuleSet is the on-disk shape of the routing-rules file: a plain JSON
// array of RoutingRule, matching the wire representation so operators
// can author rules with the same fields documented for the HTTP rule
// endpoints.
type RuleSet []*types.RoutingRule

// TopicSet is the on-disk shape of the topic-definitions file.
type TopicSet []*types.TopicDefinition

// ruleLoader and topicLoader are the minimal surfaces config.Watcher
// needs from router.Router and historystore.Store, kept narrow so this
// package doesn't import either concrete implementation.
type ruleLoader interface {
	AddRule(rule *types.RoutingRule)
	RemoveRule(id string)
	Rules() []*types.RoutingRule
}

type topicLoader interface {
	DefineTopic(def *types.TopicDefinition) error
}

// Watcher hot-reloads the rules and topics files referenced by a
// Config, applying their contents into a live router/history-store
// pair whenever the files change on disk.
type Watcher struct {
	cfg     *Config
	rules   ruleLoader
	topics  topicLoader
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// NewWatcher constructs a Watcher bound to the given router and
// history store. Call Start to begin watching; Stop to tear down.
func NewWatcher(cfg *Config, rules ruleLoader, topics topicLoader) *Watcher {
	return &Watcher{cfg: cfg, rules: rules, topics: topics, done: make(chan struct{})}
}

// LoadRulesFile parses a rules file and installs every rule into r.
func LoadRulesFile(path string, r ruleLoader) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read rules file %s: %w", path, err)
	}
	var set RuleSet
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("config: parse rules file %s: %w", path, err)
	}
	existing := r.Rules()
	for _, rule := range existing {
		r.RemoveRule(rule.ID)
	}
	for _, rule := range set {
		r.AddRule(rule)
	}
	return nil
}

// LoadTopicsFile parses a topic-definitions file and installs each
// definition via DefineTopic.
func LoadTopicsFile(path string, t topicLoader) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read topics file %s: %w", path, err)
	}
	var set TopicSet
	if err := json.Unmarshal(data, &set); err != nil {
		return fmt.Errorf("config: parse topics file %s: %w", path, err)
	}
	for _, def := range set {
		if err := t.DefineTopic(def); err != nil {
			log.Printf("[config] skipping topic %q: %v", def.Name, err)
		}
	}
	return nil
}

// Start begins watching the configured rules/topics files for changes.
// A no-op if hot reload is disabled or neither file is configured.
func (w *Watcher) Start() error {
	if !w.cfg.HotReload.Enabled {
		return nil
	}
	if w.cfg.RulesFile == "" && w.cfg.TopicsFile == "" {
		return nil
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	w.watcher = fw

	for _, f := range []string{w.cfg.RulesFile, w.cfg.TopicsFile} {
		if f == "" {
			continue
		}
		if err := fw.Add(f); err != nil {
			log.Printf("[config] cannot watch %s: %v", f, err)
		}
	}

	go w.loop()
	return nil
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			w.reload(event.Name)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) reload(path string) {
	switch path {
	case w.cfg.RulesFile:
		if err := LoadRulesFile(path, w.rules); err != nil {
			log.Printf("[config] rules reload failed: %v", err)
			return
		}
		log.Printf("[config] reloaded rules from %s", path)
	case w.cfg.TopicsFile:
		if err := LoadTopicsFile(path, w.topics); err != nil {
			log.Printf("[config] topics reload failed: %v", err)
			return
		}
		log.Printf("[config] reloaded topics from %s", path)
	}
}

// Stop tears down the underlying filesystem watcher, if running.
func (w *Watcher) Stop() error {
	close(w.done)
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}
