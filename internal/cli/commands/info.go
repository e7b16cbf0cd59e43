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

	"github.com/spf13/cobra"

	"cachefs/internal/store"
)

var infoLimit int

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show local cache contents",
	Long: `Show the cache directory, the number of cached files, and the most
recently cached entries.

Examples:
  cachefs info
  cachefs info --limit 50`,
	Args: cobra.NoArgs,
	RunE: runInfo,
}

func init() {
	infoCmd.Flags().IntVar(&infoLimit, "limit", 20, "maximum number of entries to list")
	rootCmd.AddCommand(infoCmd)
}

func runInfo(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	s, err := store.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer s.Close()

	count, err := s.Count(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("Cache directory: %s\n", cfg.CacheDir)
	fmt.Printf("Cached files: %d\n", count)

	if count == 0 {
		return nil
	}

	records, err := s.Records(ctx)
	if err != nil {
		return err
	}
	if len(records) > infoLimit {
		records = records[:infoLimit]
	}

	fmt.Println()
	for _, rec := range records {
		fmt.Printf("  %s  %s  (%s)\n",
			rec.ReferenceHash, rec.LocalPath, rec.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}
