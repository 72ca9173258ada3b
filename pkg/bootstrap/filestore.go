// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/pelletier/go-toml/v2"
)

// fileConfig is the TOML layout of a bootstrap config file:
//
//	[default]
//	[[default.security]]
//	instance_id = 0
//	server_uri = "coap://lwm2m.example.com:5683"
//	mode = 3
//	short_server_id = 101
//
//	[endpoints.dev1]
//	[[endpoints.dev1.server]]
//	...
type fileConfig struct {
	Default   *Config           `toml:"default"`
	Endpoints map[string]Config `toml:"endpoints"`
}

// FileStore serves bootstrap configs from a TOML file and reloads it when
// the file changes on disk.
type FileStore struct {
	path   string
	logger *slog.Logger

	mu      sync.RWMutex
	current fileConfig
}

var _ DefaultStore = (*FileStore)(nil)

// NewFileStore loads path. The file must exist and parse.
func NewFileStore(path string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &FileStore{path: path, logger: logger}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads the file. On failure the previous contents stay in use.
func (s *FileStore) Reload() error {
	cfg, err := loadFile(s.path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return nil
}

func loadFile(path string) (fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("bootstrap config load failed (%s): %w", path, err)
	}
	var cfg fileConfig
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return fileConfig{}, fmt.Errorf("bootstrap config parse failed (%s): %w", path, err)
	}
	if cfg.Default != nil {
		if err := cfg.Default.Validate(); err != nil {
			return fileConfig{}, fmt.Errorf("bootstrap default config: %w", err)
		}
	}
	for ep, c := range cfg.Endpoints {
		if err := c.Validate(); err != nil {
			return fileConfig{}, fmt.Errorf("bootstrap config for %s: %w", ep, err)
		}
	}
	return cfg, nil
}

func (s *FileStore) Get(_ context.Context, endpoint string) (Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.current.Endpoints[endpoint]
	return cfg.Clone(), ok, nil
}

func (s *FileStore) Default(context.Context) (Config, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current.Default == nil {
		return Config{}, false, nil
	}
	return s.current.Default.Clone(), true, nil
}

// Watch reloads the file whenever it changes, until ctx is done. The parent
// directory is watched so editors that replace the file are handled.
func (s *FileStore) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	dir := filepath.Dir(s.path)
	if err := w.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	name := filepath.Clean(s.path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := s.Reload(); err != nil {
				s.logger.Warn("failed to reload bootstrap config",
					slog.String("path", s.path),
					slog.String("error", err.Error()))
				continue
			}
			s.logger.Info("bootstrap config reloaded", slog.String("path", s.path))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("bootstrap config watcher error", slog.String("error", err.Error()))
		}
	}
}
