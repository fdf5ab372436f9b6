// Package config loads the bot's YAML configuration and watches it for admin
// list changes at runtime.
package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/crystal-mush/clanbot/pkg/gameapi"
)

// Admin is one administrator entry. Permissions gate which notifications and
// commands the admin receives; "mail_fail" selects delivery-failure mail.
type Admin struct {
	UID         gameapi.UserID `yaml:"uid"`
	Name        string         `yaml:"name"`
	Permissions []string       `yaml:"permissions"`
}

// ModuleConf declares one module inside a manager.
type ModuleConf struct {
	Name     string         `yaml:"name"`
	Priority int            `yaml:"priority"`
	Options  map[string]any `yaml:"options"`
}

// ManagerConf declares one module manager.
type ManagerConf struct {
	Name     string       `yaml:"name"`
	Priority int          `yaml:"priority"`
	Modules  []ModuleConf `yaml:"modules"`
}

// Config holds bot-level configuration parameters.
type Config struct {
	// --- Identity ---
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// --- Paths (relative to the working directory) ---
	DataDir string `yaml:"data_dir"`
	LogDir  string `yaml:"log_dir"`
	Store   string `yaml:"store"`

	// --- Intervals (seconds) ---
	MailInterval     int `yaml:"mail_interval"`
	ClanInterval     int `yaml:"clan_interval"`
	SyncInterval     int `yaml:"sync_interval"`
	ChatPollInterval int `yaml:"chat_poll_interval"`
	HeartbeatPeriod  int `yaml:"heartbeat_period"`
	RolloverWait     int `yaml:"rollover_wait"`

	// --- Chat ---
	MainChannel      string `yaml:"main_channel"`
	MinChatDelayMS   int    `yaml:"min_chat_delay_ms"`
	MaxChatTargets   int    `yaml:"max_chat_targets"`
	ChatIdleTimeout  int    `yaml:"chat_idle_timeout"`
	HeartbeatWorkers int    `yaml:"heartbeat_workers"`

	// --- Status server (loopback; 0 disables) ---
	StatusPort int `yaml:"status_port"`

	// --- People and modules ---
	Admins   []Admin       `yaml:"admins"`
	Managers []ManagerConf `yaml:"managers"`

	// guards Admins, which is hot-reloadable while the bot runs
	adminMu sync.RWMutex
}

// DefaultConfig returns the baked-in defaults.
func DefaultConfig() *Config {
	return &Config{
		DataDir:          "data",
		LogDir:           "log",
		Store:            "data/clanbot.db",
		MailInterval:     60,
		ClanInterval:     600,
		SyncInterval:     300,
		ChatPollInterval: 5,
		HeartbeatPeriod:  30,
		RolloverWait:     3600,
		MainChannel:      "clan",
		MinChatDelayMS:   2000,
		MaxChatTargets:   10,
		ChatIdleTimeout:  300,
		HeartbeatWorkers: 4,
		StatusPort:       0,
	}
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	c := DefaultConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

// SetAdmins swaps the admin list, e.g. after a config reload.
func (c *Config) SetAdmins(admins []Admin) {
	c.adminMu.Lock()
	c.Admins = admins
	c.adminMu.Unlock()
}

// AdminsWith returns the uids of admins carrying the given permission.
func (c *Config) AdminsWith(perm string) []gameapi.UserID {
	c.adminMu.RLock()
	defer c.adminMu.RUnlock()
	var out []gameapi.UserID
	for _, a := range c.Admins {
		for _, p := range a.Permissions {
			if p == perm {
				out = append(out, a.UID)
				break
			}
		}
	}
	return out
}

// Duration helpers; all interval fields are whole seconds in the file.

func (c *Config) MailEvery() time.Duration     { return time.Duration(c.MailInterval) * time.Second }
func (c *Config) ClanEvery() time.Duration     { return time.Duration(c.ClanInterval) * time.Second }
func (c *Config) SyncEvery() time.Duration     { return time.Duration(c.SyncInterval) * time.Second }
func (c *Config) ChatPollEvery() time.Duration { return time.Duration(c.ChatPollInterval) * time.Second }
func (c *Config) HeartbeatEvery() time.Duration {
	return time.Duration(c.HeartbeatPeriod) * time.Second
}
func (c *Config) MinChatDelay() time.Duration {
	return time.Duration(c.MinChatDelayMS) * time.Millisecond
}
func (c *Config) ChatIdle() time.Duration { return time.Duration(c.ChatIdleTimeout) * time.Second }

// Watch re-reads the config file whenever it is rewritten and hands the
// result to onReload. Parse failures keep the previous config. The returned
// function stops the watcher.
func Watch(path string, onReload func(*Config)) (func(), error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: watcher: %w", err)
	}
	// watch the directory: editors replace files rather than write in place
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	abs, _ := filepath.Abs(path)
	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				evAbs, _ := filepath.Abs(ev.Name)
				if evAbs != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.Printf("CONFIG: reload: %v", err)
					continue
				}
				log.Printf("CONFIG: reloaded %s", path)
				onReload(cfg)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Printf("CONFIG: watcher: %v", err)
			}
		}
	}()
	return func() { w.Close() }, nil
}
