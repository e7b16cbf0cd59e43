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
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"cachefs/internal/common"
	"cachefs/internal/download"
	"cachefs/internal/manifest"
	"cachefs/internal/store"
)

var prefetchToken string

var prefetchCmd = &cobra.Command{
	Use:   "prefetch <manifest> [resource...]",
	Short: "Download manifest entries into the local cache ahead of use",
	Long: `Fetch every entry of the named resources (or of all resources when
none are given) into the local cache, so later opens are served without
network access. Entries already cached are skipped.

Examples:
  cachefs prefetch manifest.yaml
  cachefs prefetch manifest.yaml gta-city gta-props
  cachefs prefetch --token SECRET manifest.yaml`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPrefetch,
}

func init() {
	prefetchCmd.Flags().StringVar(&prefetchToken, "token", "", "bearer token attached to download requests")
	rootCmd.AddCommand(prefetchCmd)
}

func runPrefetch(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	m, err := manifest.Load(args[0])
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	resources := args[1:]
	if len(resources) == 0 {
		resources = m.Resources()
	}

	s, err := store.Open(cfg.CacheDir)
	if err != nil {
		return err
	}
	defer s.Close()

	client := download.NewClient(cfg.DownloadSlots)
	headers := map[string]string{}
	if prefetchToken != "" {
		headers["Authorization"] = "Bearer " + prefetchToken
	}

	var fetched, skipped int
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.DownloadSlots)

	for _, resource := range resources {
		entries := m.Entries(resource)
		if len(entries) == 0 {
			return fmt.Errorf("resource %q has no entries in the manifest", resource)
		}
		for _, entry := range entries {
			if _, err := s.Lookup(ctx, entry.ReferenceHash); err == nil {
				skipped++
				continue
			} else if !errors.Is(err, common.ErrNotFound) {
				return err
			}
			fetched++

			entry := entry
			g.Go(func() error {
				return fetchEntry(ctx, client, s, headers, entry)
			})
		}
	}

	if err := g.Wait(); err != nil {
		return err
	}

	fmt.Printf("Prefetched %d file(s), %d already cached\n", fetched, skipped)
	return nil
}

func fetchEntry(ctx context.Context, client *download.Client, s *store.Store, headers map[string]string, entry manifest.Entry) error {
	ext := strings.TrimPrefix(filepath.Ext(entry.Basename), ".")
	dest := filepath.Join(cfg.CacheDir, ext+"_"+entry.ReferenceHash)

	result := make(chan error, 1)
	client.Get(ctx, entry.RemoteURL, dest, download.Options{
		Weight:  download.WeightFor(entry.Basename),
		Headers: headers,
	}, func(err error, size int64) {
		if err == nil && size == 0 {
			err = fmt.Errorf("transfer of %s produced a zero-byte file", entry.RemoteURL)
		}
		result <- err
	})

	if err := <-result; err != nil {
		return fmt.Errorf("fetching %s/%s: %w", entry.ResourceName, entry.Basename, err)
	}

	log.WithFields(log.Fields{
		"resource": entry.ResourceName,
		"name":     entry.Basename,
	}).Info("prefetched")

	return s.Insert(ctx, entry.ReferenceHash, dest, map[string]string{
		"filename": entry.Basename,
		"resource": entry.ResourceName,
		"from":     entry.RemoteURL,
	})
}
