package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/docmill/docmill/cmd/docmill/ui"
	"github.com/docmill/docmill/internal/api/rpc"
	"github.com/docmill/docmill/internal/cache"
	"github.com/docmill/docmill/internal/storage"
)

// newQueueCmd creates the queue subcommand group.
func newQueueCmd() *cobra.Command {
	var (
		serverURL string
		apiKey    string
	)

	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Submit to and inspect a docmilld work queue",
	}

	cmd.PersistentFlags().StringVar(&serverURL, "server", "", "daemon base URL (default: DOCMILL_SERVER_URL or config host/port)")
	cmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for the daemon (default: config)")

	newClient := func() *rpc.Client {
		key := apiKey
		if key == "" {
			key = cfg.Server.APIKey
		}
		httpClient := &http.Client{
			Timeout:   30 * time.Second,
			Transport: &apiKeyTransport{key: key, base: http.DefaultTransport},
		}
		return rpc.NewClient(httpClient, serverBaseURL(serverURL)+"/rpc")
	}

	cmd.AddCommand(newQueueSubmitCmd(newClient))
	cmd.AddCommand(newQueueStatusCmd(newClient))
	cmd.AddCommand(newQueueWatchCmd())

	return cmd
}

// newQueueSubmitCmd creates the queue submit subcommand.
func newQueueSubmitCmd(newClient func() *rpc.Client) *cobra.Command {
	var (
		targetDir  string
		engineName string
		wait       bool
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "submit --target-dir DIR FILE",
		Short: "Submit one file for conversion on the daemon",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			source, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve source path: %w", err)
			}
			target, err := filepath.Abs(targetDir)
			if err != nil {
				return fmt.Errorf("resolve target dir: %w", err)
			}

			client := newClient()
			resp, err := client.Submit(ctx, &rpc.SubmitRequest{
				SourcePath: source,
				TargetDir:  target,
				Engine:     engineName,
			})
			if err != nil {
				return fmt.Errorf("submit: %w", err)
			}

			if !wait {
				if outputJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(resp)
				}
				ui.Success("submitted %s", resp.ItemID)
				ui.Info("engine %s, %d item(s) queued", resp.Engine, resp.QueueDepth)
				return nil
			}

			item, err := waitForItem(ctx, client, resp.ItemID)
			if err != nil {
				return err
			}
			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(item)
			}
			return printItemOutcome(item)
		},
	}

	cmd.Flags().StringVar(&targetDir, "target-dir", "", "directory the converted PDF is written to (required)")
	cmd.Flags().StringVar(&engineName, "engine", "", "force a specific conversion engine")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the conversion to finish")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "submission timeout")
	cmd.MarkFlagRequired("target-dir")

	return cmd
}

// waitForItem polls the daemon until the work item reaches a terminal
// status.
func waitForItem(ctx context.Context, client *rpc.Client, itemID string) (*rpc.Item, error) {
	spin := ui.NewSpinner("waiting for conversion")
	spin.Start()
	defer spin.Stop()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for conversion: %w", ctx.Err())
		case <-ticker.C:
			item, err := client.Status(ctx, itemID)
			if err != nil {
				return nil, fmt.Errorf("poll status: %w", err)
			}
			switch storage.ItemStatus(item.Status) {
			case storage.ItemStatusCompleted, storage.ItemStatusFailed, storage.ItemStatusCancelled:
				return item, nil
			case storage.ItemStatusProcessing:
				spin.UpdateMessage("converting " + filepath.Base(item.SourcePath))
			}
		}
	}
}

func printItemOutcome(item *rpc.Item) error {
	switch storage.ItemStatus(item.Status) {
	case storage.ItemStatusCompleted:
		ui.Success("completed: %s", item.OutputPath)
		return nil
	case storage.ItemStatusCancelled:
		return errors.New("conversion cancelled")
	default:
		return fmt.Errorf("conversion failed: %s", item.Error)
	}
}

// newQueueStatusCmd creates the queue status subcommand.
func newQueueStatusCmd(newClient func() *rpc.Client) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status [ITEM_ID]",
		Short: "Show queue statistics or one work item",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			client := newClient()

			if len(args) == 1 {
				item, err := client.Status(ctx, args[0])
				if err != nil {
					return fmt.Errorf("item status: %w", err)
				}
				if outputJSON {
					enc := json.NewEncoder(os.Stdout)
					enc.SetIndent("", "  ")
					return enc.Encode(item)
				}
				printItem(item)
				return nil
			}

			stats, err := client.Stats(ctx)
			if err != nil {
				return fmt.Errorf("queue stats: %w", err)
			}
			if outputJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(stats)
			}
			printStats(stats)
			return nil
		},
	}

	return cmd
}

func printItem(item *rpc.Item) {
	fmt.Printf("Item:      %s\n", item.ID)
	fmt.Printf("Batch:     %s\n", item.BatchID)
	fmt.Printf("Source:    %s\n", item.SourcePath)
	fmt.Printf("Status:    %s\n", item.Status)
	fmt.Printf("Attempts:  %d\n", item.Attempts)
	if item.Engine != "" {
		fmt.Printf("Engine:    %s\n", item.Engine)
	}
	if item.OutputPath != "" {
		fmt.Printf("Output:    %s\n", item.OutputPath)
	}
	if item.Error != "" {
		fmt.Printf("Error:     %s\n", item.Error)
	}
	fmt.Printf("Enqueued:  %s\n", item.EnqueuedAt)
	if item.StartedAt != "" {
		fmt.Printf("Started:   %s\n", item.StartedAt)
	}
	if item.FinishedAt != "" {
		fmt.Printf("Finished:  %s\n", item.FinishedAt)
	}
}

func printStats(stats *rpc.StatsResponse) {
	fmt.Printf("Depth:       %d\n", stats.QueueDepth)
	fmt.Printf("Processing:  %t\n", stats.Processing)
	fmt.Printf("Conversions: %d\n", stats.Conversions)
	fmt.Printf("Cache hits:  %d\n", stats.CacheHits)
	fmt.Printf("Failures:    %d\n", stats.Failures)
	for name, state := range stats.Breakers {
		fmt.Printf("Breaker %-8s %s\n", name+":", state)
	}
}

// progressEvent mirrors the JSON the service publishes per progress
// update.
type progressEvent struct {
	BatchID   string  `json:"batch_id"`
	Stage     string  `json:"stage"`
	Completed int     `json:"completed"`
	Total     int     `json:"total"`
	Percent   float64 `json:"percent"`
	Status    string  `json:"status"`
}

// newQueueWatchCmd creates the queue watch subcommand.
func newQueueWatchCmd() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "watch BATCH_ID",
		Short: "Follow live progress for a batch over Redis",
		Long: `Watch subscribes to the batch's progress channel and renders a live
progress bar. The daemon must be configured with the redis cache
driver; progress events are published per batch.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			batchID, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid batch id: %w", err)
			}
			if cfg.Cache.Driver != "redis" {
				return errors.New("queue watch requires the redis cache driver")
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()
			ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer stop()

			client, err := cache.NewRedisClient(cache.RedisConfig{
				Addr:     cfg.Cache.Redis.Addr,
				Password: cfg.Cache.Redis.Password,
				DB:       cfg.Cache.Redis.DB,
				PoolSize: cfg.Cache.Redis.PoolSize,
			})
			if err != nil {
				return fmt.Errorf("connect redis: %w", err)
			}
			defer client.Close()

			channel := cfg.Observability.ProgressChannel + ":" + batchID.String()
			events, unsubscribe, err := client.Subscribe(ctx, channel)
			if err != nil {
				return fmt.Errorf("subscribe: %w", err)
			}
			defer unsubscribe()

			ui.Info("watching batch %s", batchID)
			return watchProgress(ctx, events)
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", time.Hour, "how long to wait for the batch to finish")

	return cmd
}

// watchProgress renders incoming progress events until the batch
// reaches its final output stage.
func watchProgress(ctx context.Context, events <-chan []byte) error {
	watch := ui.NewWatch()
	bar := watch.Bar("batch", 100)

	for {
		select {
		case <-ctx.Done():
			watch.Shutdown()
			return fmt.Errorf("watch: %w", ctx.Err())
		case payload, ok := <-events:
			if !ok {
				watch.Shutdown()
				return errors.New("progress channel closed")
			}
			var ev progressEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			bar.SetCurrent(int64(ev.Percent))
			if ev.Stage == "output" && ev.Percent >= 100 {
				bar.SetTotal(100, true)
				watch.Wait()
				ui.Success("batch finished")
				return nil
			}
		}
	}
}

// apiKeyTransport adds the API key header to every daemon request.
type apiKeyTransport struct {
	key  string
	base http.RoundTripper
}

func (t *apiKeyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.key == "" {
		return t.base.RoundTrip(req)
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("X-API-Key", t.key)
	return t.base.RoundTrip(clone)
}

// serverBaseURL resolves the daemon base URL from the flag, the
// environment, or the loaded config.
func serverBaseURL(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if v := os.Getenv("DOCMILL_SERVER_URL"); v != "" {
		return v
	}
	host := cfg.Server.Host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d", host, cfg.Server.Port)
}
