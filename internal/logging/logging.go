// Package logging configures the shared logrus logger used by every other
// package through the `log` import alias.
package logging

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/reedfamily/reedwrap/internal/config"
)

var (
	mu      sync.Mutex
	rotator *lumberjack.Logger
)

// Formatter renders one entry per line:
// [2026-10-19 04:00:00] [info ] supervisor: worker started | generation=3
type Formatter struct{}

func (f *Formatter) Format(entry *log.Entry) ([]byte, error) {
	buf := entry.Buffer
	if buf == nil {
		buf = &bytes.Buffer{}
	}

	level := entry.Level.String()
	if level == "warning" {
		level = "warn"
	}
	fmt.Fprintf(buf, "[%s] [%-5s] %s", entry.Time.Format("2006-01-02 15:04:05"), level, strings.TrimRight(entry.Message, "\r\n"))

	if len(entry.Data) > 0 {
		keys := make([]string, 0, len(entry.Data))
		for k := range entry.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteString(" |")
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			fmt.Fprintf(buf, " %s=%v", k, entry.Data[k])
		}
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// Setup points the standard logger at stderr, and additionally at a rotating
// file when cfg.Log.File is set.
func Setup(cfg *config.Config) error {
	mu.Lock()
	defer mu.Unlock()

	log.SetFormatter(&Formatter{})
	if cfg.Debug {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}

	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		path := cfg.Log.File
		if !filepath.IsAbs(path) {
			path = filepath.Join(cfg.DataDir, path)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return fmt.Errorf("logging: create log directory: %w", err)
		}
		rotator = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
		}
		out = io.MultiWriter(os.Stderr, rotator)
	}
	log.SetOutput(out)
	return nil
}

// Close flushes and closes the rotating file, if any.
func Close() {
	mu.Lock()
	defer mu.Unlock()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}
