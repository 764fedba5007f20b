package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ahales-hash/locations/internal/geocache"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect or clear the local geocode cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show geocode cache statistics",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, err := geocache.Open(cfg.Cache.Path, cfg.Cache.TTLDays)
		if err != nil {
			return err
		}
		defer cache.Close()

		total, matched, err := cache.Stats(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Cached addresses: %d (%d matched, %d unmatched)\n", total, matched, total-matched)
		return nil
	},
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Delete all cached geocode results",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cache, err := geocache.Open(cfg.Cache.Path, cfg.Cache.TTLDays)
		if err != nil {
			return err
		}
		defer cache.Close()

		n, err := cache.Clear(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Printf("Deleted %d cached result(s)\n", n)
		return nil
	},
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	rootCmd.AddCommand(cacheCmd)
}
