// Package config holds the daemon's process-wide, read-only-after-startup
// configuration, parsed from flags and an optional YAML config file via
// kong + kong-yaml.
package config

import (
	"path/filepath"

	"github.com/cblockd/cblockd/scrollback"
)

// Config is the daemon's global configuration: the persistent data
// root plus socket, audit DB, log, build-concurrency and scrollback
// settings.
type Config struct {
	DataDir      string `default:"/var/cblockd" predictor:"dir" help:"root of persistent on-disk state"`
	UnderlyingFS string `name:"underlying-fs" default:"zfs" help:"underlying filesystem tag passed to helper scripts as CBLOCK_FS"`
	Verbose      bool   `short:"v" help:"enable debug-level logging"`

	SocketPath          string `name:"socket" help:"unix socket path (default <data-dir>/cblockd.sock)"`
	AuditDBPath         string `name:"audit-db" help:"sqlite audit log path (default <data-dir>/audit.db)"`
	LogPath             string `name:"log-file" help:"log file path (default <data-dir>/log/cblockd.log)"`
	MaxConcurrentBuilds int    `name:"max-concurrent-builds" default:"4" help:"bound on simultaneous build pipelines"`
	ScrollbackCapBytes  int    `name:"scrollback-cap-bytes" default:"1048576" help:"per-instance scrollback eviction cap in bytes"`
}

// Finalize fills in data-dir-relative defaults for any path left empty,
// and is called once after flag parsing.
func (c *Config) Finalize() {
	if c.SocketPath == "" {
		c.SocketPath = filepath.Join(c.DataDir, "cblockd.sock")
	}
	if c.AuditDBPath == "" {
		c.AuditDBPath = filepath.Join(c.DataDir, "audit.db")
	}
	if c.LogPath == "" {
		c.LogPath = filepath.Join(c.DataDir, "log", "cblockd.log")
	}
	if c.ScrollbackCapBytes <= 0 {
		c.ScrollbackCapBytes = scrollback.DefaultCapBytes
	}
	if c.MaxConcurrentBuilds <= 0 {
		c.MaxConcurrentBuilds = 4
	}
}

// LockFilePath returns the path of the daemon's single-instance advisory
// lockfile.
func (c *Config) LockFilePath() string {
	return filepath.Join(c.DataDir, "cblockd.lock")
}

// LockFilePathFor returns the path of one instance's advisory pid-file
// lock under <data_dir>/locks.
func (c *Config) LockFilePathFor(tag string) string {
	return filepath.Join(c.DataDir, "locks", tag+".pid")
}

// LibPath returns the path of one of the external helper scripts under
// <data_dir>/lib.
func (c *Config) LibPath(name string) string {
	return filepath.Join(c.DataDir, "lib", name)
}
