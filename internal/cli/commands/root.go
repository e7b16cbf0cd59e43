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

package commands

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"cachefs/internal/config"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// cfg is loaded once by the root PersistentPreRunE and shared by all
// subcommands.
var cfg *config.Config

// SetVersion sets the version info for --version flag
func SetVersion(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = getVersionString()
}

// getVersionString returns the version string with build info
func getVersionString() string {
	buildDate := formatBuildDate(date)
	if strings.HasSuffix(version, "-dev") {
		return fmt.Sprintf("%s (%s, epoch: %s, commit: %s)", version, buildDate, date, commit)
	}
	return fmt.Sprintf("%s (%s)", version, buildDate)
}

// formatBuildDate converts epoch timestamp to readable date
func formatBuildDate(epoch string) string {
	ts, err := strconv.ParseInt(epoch, 10, 64)
	if err != nil {
		return epoch
	}
	return time.Unix(ts, 0).Format("2006-01-02")
}

var rootCmd = &cobra.Command{
	Use:   "cachefs",
	Short: "On-demand caching file-access layer for remote resource files",
	Long: `cachefs presents remote, content-addressed resource files as if they
were local: files are fetched over HTTP on first access and served from a
local cache afterwards.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if cmd.Name() == "help" || cmd.Name() == "completion" {
			return nil
		}

		if err := config.EnsureConfigDir(); err != nil {
			return fmt.Errorf("failed to initialize config: %w", err)
		}

		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}

		applyLogging(cfg)
		return nil
	},
}

func applyLogging(cfg *config.Config) {
	if !cfg.LoggingEnabled() {
		log.SetLevel(log.WarnLevel)
		return
	}
	switch cfg.LogLevel() {
	case "trace":
		log.SetLevel(log.TraceLevel)
	case "debug":
		log.SetLevel(log.DebugLevel)
	default:
		log.SetLevel(log.InfoLevel)
	}
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.SetVersionTemplate("cachefs version {{.Version}}\n")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
