// Copyright 2025 CacheFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	assert.NotEmpty(t, cfg.CacheDir)
	assert.Equal(t, 512, cfg.HandleCapacity)
	assert.Equal(t, 4, cfg.DownloadSlots)
	assert.Equal(t, "cache:/", cfg.BlockingPrefix)
	assert.Equal(t, "cache_nb:/", cfg.NonBlockingPrefix)
}

func TestApplyDefaultsKeepsExplicitValues(t *testing.T) {
	cfg := Config{HandleCapacity: 64, BlockingPrefix: "rc:/"}
	cfg.ApplyDefaults()

	assert.Equal(t, 64, cfg.HandleCapacity)
	assert.Equal(t, "rc:/", cfg.BlockingPrefix)
	assert.Equal(t, 4, cfg.DownloadSlots)
}

func TestLoadFromPathMissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadFromPath(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.HandleCapacity)
}

func TestLoadFromPath(t *testing.T) {
	raw := `cache_dir: /var/cache/cachefs
handle_capacity: 128
download_slots: 8
logging: debug
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(raw), 0600))

	cfg, err := LoadFromPath(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/cache/cachefs", cfg.CacheDir)
	assert.Equal(t, 128, cfg.HandleCapacity)
	assert.Equal(t, 8, cfg.DownloadSlots)
	assert.True(t, cfg.LoggingEnabled())
	assert.Equal(t, "debug", cfg.LogLevel())
	// Unset fields still get defaults.
	assert.Equal(t, "cache:/", cfg.BlockingPrefix)
}

func TestSaveRoundTrip(t *testing.T) {
	t.Setenv("CACHEFS_CONFIG_DIR", t.TempDir())

	in := &Config{CacheDir: "/tmp/cc", DownloadSlots: 2}
	require.NoError(t, Save(in))

	out, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/cc", out.CacheDir)
	assert.Equal(t, 2, out.DownloadSlots)
}

func TestLoggingDisabled(t *testing.T) {
	for _, level := range []string{"", "none", "NONE"} {
		cfg := Config{Logging: level}
		assert.False(t, cfg.LoggingEnabled(), "level %q", level)
	}
	cfg := Config{Logging: "Info"}
	assert.True(t, cfg.LoggingEnabled())
	assert.Equal(t, "info", cfg.LogLevel())
}
