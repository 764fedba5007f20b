package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ahales-hash/locations/internal/config"
	"github.com/ahales-hash/locations/internal/geocache"
	"github.com/ahales-hash/locations/internal/workbook"
	"github.com/ahales-hash/locations/pkg/azuremaps"
)

var geocodeCmd = &cobra.Command{
	Use:   "geocode",
	Short: "Geocode workbook addresses via Azure Maps batch API",
	Long:  "Reads the locations sheet, submits non-empty addresses in sequential batches, polls each batch to completion, and back-fills Lat/Long/MatchStatus/Confidence where empty. The workbook is backed up before it is overwritten.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		file, _ := cmd.Flags().GetString("file")
		sheet, _ := cmd.Flags().GetString("sheet")
		batchSize, _ := cmd.Flags().GetInt("batch-size")
		useCache, _ := cmd.Flags().GetBool("cache")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		if file == "" {
			file = cfg.Workbook.Path
		}
		if sheet == "" {
			sheet = cfg.Workbook.Sheet
		}
		batchSize = resolveBatchSize(batchSize, cfg.AzureMaps.BatchSize)

		// The credential is checked before anything touches the network.
		if !dryRun {
			if err := cfg.AzureMaps.Validate(); err != nil {
				return err
			}
		}

		log := zap.L().With(
			zap.String("command", "geocode"),
			zap.String("run_id", uuid.New().String()),
		)

		table, err := workbook.Load(file, sheet, columnsFromConfig(cfg.Workbook))
		if err != nil {
			return err
		}

		eligible := table.Eligible()
		if len(eligible) == 0 {
			fmt.Println("No addresses to geocode.")
			return nil
		}

		if dryRun {
			fmt.Printf("Would submit %d address(es) in %d batch(es) of up to %d.\n",
				len(eligible), planBatches(len(eligible), batchSize), batchSize)
			return nil
		}

		var cache *geocache.Cache
		if useCache || cfg.Cache.Enabled {
			cache, err = geocache.Open(cfg.Cache.Path, cfg.Cache.TTLDays)
			if err != nil {
				return err
			}
			defer cache.Close()
		}

		// Partition eligible rows into cache hits and rows still to submit.
		results := make(map[int]azuremaps.Result, len(eligible))
		pending := eligible
		if cache != nil {
			pending = make([]int, 0, len(eligible))
			for _, id := range eligible {
				r, ok, cerr := cache.Get(ctx, table.Address(id))
				if cerr != nil {
					log.Warn("cache lookup failed", zap.Error(cerr))
				}
				if cerr == nil && ok {
					results[id] = *r
					continue
				}
				pending = append(pending, id)
			}
			log.Info("cache lookup complete",
				zap.Int("hits", len(eligible)-len(pending)),
				zap.Int("misses", len(pending)),
			)
		}

		if len(pending) > 0 {
			if err := geocodePending(ctx, log, table, cache, pending, batchSize, results); err != nil {
				return err
			}
		}

		table.Merge(results)

		backup, err := workbook.Backup(file)
		if err != nil {
			return err
		}
		fmt.Printf("Backup written: %s\n", backup)

		if err := table.Write(file); err != nil {
			return err
		}
		fmt.Printf("Updated workbook written: %s\n", file)

		log.Info("geocode run complete",
			zap.Int("rows", len(table.Rows)),
			zap.Int("eligible", len(eligible)),
			zap.Int("submitted", len(pending)),
		)
		return nil
	},
}

// geocodePending submits the remaining addresses in sequential batches and
// records each row's result, storing it in the cache when one is open.
func geocodePending(
	ctx context.Context,
	log *zap.Logger,
	table *workbook.Table,
	cache *geocache.Cache,
	pending []int,
	batchSize int,
	results map[int]azuremaps.Result,
) error {
	client := azuremaps.NewClient(cfg.AzureMaps.Key,
		azuremaps.WithBaseURL(cfg.AzureMaps.BaseURL),
		azuremaps.WithAPIVersion(cfg.AzureMaps.APIVersion),
		azuremaps.WithCountrySet(cfg.AzureMaps.CountrySet),
		azuremaps.WithBatchSize(batchSize),
		azuremaps.WithPollFloor(time.Duration(cfg.AzureMaps.PollFloorSecs)*time.Second),
		azuremaps.WithPollCap(time.Duration(cfg.AzureMaps.PollCapSecs)*time.Second),
		azuremaps.WithPollTimeout(time.Duration(cfg.AzureMaps.PollTimeoutSecs)*time.Second),
		azuremaps.WithRateLimit(cfg.AzureMaps.RateLimit),
	)

	reqs := make([]azuremaps.Request, len(pending))
	for i, id := range pending {
		reqs[i] = azuremaps.Request{Query: table.Address(id)}
	}

	fmt.Printf("Submitting %d address(es) in %d batch(es)...\n",
		len(reqs), planBatches(len(reqs), batchSize))

	out, err := client.GeocodeAll(ctx, reqs)
	if err != nil {
		return err
	}

	for i, id := range pending {
		results[id] = out[i]
		if cache != nil {
			if cerr := cache.Put(ctx, table.Address(id), out[i]); cerr != nil {
				log.Warn("cache store failed", zap.Error(cerr))
			}
		}
	}
	return nil
}

// planBatches returns how many batches of up to size are needed for n rows.
func planBatches(n, size int) int {
	return (n + size - 1) / size
}

// defaultBatchSize is the fallback when neither the flag nor the config names
// a positive batch size.
const defaultBatchSize = 100

// resolveBatchSize picks the batch size from the flag, then the config, then
// the default, never returning a non-positive value.
func resolveBatchSize(flagVal, cfgVal int) int {
	if flagVal > 0 {
		return flagVal
	}
	if cfgVal > 0 {
		return cfgVal
	}
	return defaultBatchSize
}

func columnsFromConfig(wb config.WorkbookConfig) workbook.Columns {
	return workbook.Columns{
		Address:    wb.AddressColumn,
		Lat:        wb.LatColumn,
		Lon:        wb.LonColumn,
		Status:     wb.StatusColumn,
		Confidence: wb.ConfidenceColumn,
	}
}

func init() {
	geocodeCmd.Flags().String("file", "", "workbook path (defaults to config)")
	geocodeCmd.Flags().String("sheet", "", "sheet name (defaults to config)")
	geocodeCmd.Flags().Int("batch-size", 0, "addresses per batch (defaults to config)")
	geocodeCmd.Flags().Bool("cache", false, "use the local geocode cache")
	geocodeCmd.Flags().Bool("dry-run", false, "report planned batches without submitting or writing")
	rootCmd.AddCommand(geocodeCmd)
}
