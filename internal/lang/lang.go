// Package lang looks up user-visible messages by key. Defaults are built in
// and can be overridden from a YAML file of key: format pairs.
package lang

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"
)

const (
	SaveComplete   = "save.complete"
	BackupStarting = "backup.starting"
	BackupDone     = "backup.done"
	BackupFailed   = "backup.failed"
	RestartWarning = "restart.warning"
	RestartNow     = "restart.now"
	RenderStarting = "render.starting"
	RenderDone     = "render.done"
	ServerStopping = "server.stopping"
)

var defaults = map[string]string{
	SaveComplete:   "World saved.",
	BackupStarting: "Starting world backup, expect some lag...",
	BackupDone:     "World backup finished (%s).",
	BackupFailed:   "World backup failed, the admins have been notified.",
	RestartWarning: "Server restarts in %s.",
	RestartNow:     "Server is restarting now.",
	RenderStarting: "Rendering the map, saving is paused.",
	RenderDone:     "Map render finished.",
	ServerStopping: "Server is shutting down.",
}

type Catalog struct {
	mu       sync.RWMutex
	messages map[string]string
}

func New() *Catalog {
	c := &Catalog{messages: make(map[string]string, len(defaults))}
	for k, v := range defaults {
		c.messages[k] = v
	}
	return c
}

// Load merges overrides from path on top of the defaults. A missing file is
// not an error.
func (c *Catalog) Load(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read lang file: %w", err)
	}
	var overrides map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return fmt.Errorf("parse lang file: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, v := range overrides {
		c.messages[k] = v
	}
	return nil
}

// T formats the message for key. Unknown keys render as the key itself.
func (c *Catalog) T(key string, args ...any) string {
	c.mu.RLock()
	format, ok := c.messages[key]
	c.mu.RUnlock()
	if !ok {
		return key
	}
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
