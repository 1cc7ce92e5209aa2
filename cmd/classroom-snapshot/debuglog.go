package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const debugLogName = "log.txt"

// debugLogFile holds debug records in memory until the run's output
// directory exists, then appends them to <dir>/log.txt.
type debugLogFile struct {
	mu      sync.Mutex
	pending bytes.Buffer
	file    *os.File
}

func (d *debugLogFile) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file != nil {
		return d.file.Write(p)
	}
	return d.pending.Write(p)
}

func (d *debugLogFile) Sync() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil {
		return nil
	}
	return d.file.Sync()
}

// Open directs the log into dir. Only the first call takes effect.
func (d *debugLogFile) Open(dir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.openLocked(dir)
}

// Close writes records of a run that never reached its output directory
// into fallbackDir and closes the file.
func (d *debugLogFile) Close(fallbackDir string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.file == nil && d.pending.Len() > 0 && fallbackDir != "" {
		if err := os.MkdirAll(fallbackDir, 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		if err := d.openLocked(fallbackDir); err != nil {
			return err
		}
	}
	if d.file == nil {
		return nil
	}
	err := d.file.Close()
	d.file = nil
	return err
}

func (d *debugLogFile) openLocked(dir string) error {
	if d.file != nil {
		return nil
	}
	file, err := os.OpenFile(filepath.Join(dir, debugLogName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open debug log: %w", err)
	}
	if _, err := d.pending.WriteTo(file); err != nil {
		_ = file.Close()
		return fmt.Errorf("write debug log: %w", err)
	}
	d.file = file
	return nil
}
