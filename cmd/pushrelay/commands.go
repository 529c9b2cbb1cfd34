package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"github.com/shohag/pushrelay/internal/api"
	"github.com/shohag/pushrelay/internal/config"
	"github.com/shohag/pushrelay/internal/delivery"
	"github.com/shohag/pushrelay/internal/models"
	"github.com/shohag/pushrelay/internal/queue"
	"github.com/shohag/pushrelay/internal/registry"
	"github.com/shohag/pushrelay/internal/storage"
)

func printJSON(v interface{}) {
	out, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(out))
}

func enqueueCmd(configPath *string) *cobra.Command {
	var (
		refType      string
		refID        int64
		restaurantID int64
		userIDs      []int64
		delay        time.Duration
		payload      string
		n            queue.Notification
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Enqueue a notification for one or more users",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			body := []byte(payload)
			if payload == "" {
				if body, err = n.Encode(); err != nil {
					return err
				}
			} else if !json.Valid(body) {
				return fmt.Errorf("--payload must be valid JSON")
			}

			log := setupLogger(cfg.Logging)
			// Only Redis reaches workers in other processes.
			var notifier queue.Notifier = queue.NopNotifier{}
			if cfg.Wakeup.Driver == "redis" {
				if notifier, err = setupNotifier(cfg.Wakeup, log); err != nil {
					return err
				}
			}
			defer notifier.Close()

			clock := clockwork.NewRealClock()
			req := queue.Request{
				RefType:      refType,
				RefID:        refID,
				RestaurantID: restaurantID,
				Payload:      body,
			}
			if delay > 0 {
				req.RunAt = clock.Now().Add(delay)
			}

			res, err := queue.NewEnqueuer(store, notifier, clock, log).EnqueueMany(context.Background(), req, userIDs)
			if err != nil {
				return fmt.Errorf("failed to enqueue: %w", err)
			}
			printJSON(res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&refType, "ref-type", "", "business event type, e.g. announcement")
	f.Int64Var(&refID, "ref-id", 0, "business event id")
	f.Int64Var(&restaurantID, "restaurant-id", 0, "tenant id")
	f.Int64SliceVar(&userIDs, "user", nil, "recipient user id (repeatable)")
	f.DurationVar(&delay, "delay", 0, "deliver no earlier than now+delay")
	f.StringVar(&payload, "payload", "", "raw JSON payload; overrides --title/--body/--url")
	f.StringVar(&n.Title, "title", "", "notification title")
	f.StringVar(&n.Body, "body", "", "notification body")
	f.StringVar(&n.URL, "url", "", "URL opened on click")
	f.StringVar(&n.Tag, "tag", "", "notification tag")
	_ = cmd.MarkFlagRequired("ref-type")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func jobsCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect delivery jobs",
	}

	getCmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid job id %q", args[0])
			}
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			j, err := store.GetJob(context.Background(), id)
			if err != nil {
				return fmt.Errorf("failed to get job: %w", err)
			}
			if j == nil {
				return fmt.Errorf("job %d not found", id)
			}
			printJSON(j)
			return nil
		},
	}

	var filter storage.JobFilter
	var status string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter.Status = models.JobStatus(status)
			if status != "" && !filter.Status.Valid() {
				return fmt.Errorf("unknown status %q", status)
			}
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			jobs, err := store.ListJobs(context.Background(), filter)
			if err != nil {
				return fmt.Errorf("failed to list jobs: %w", err)
			}
			if len(jobs) == 0 {
				fmt.Println("No jobs found.")
				return nil
			}
			for _, j := range jobs {
				fmt.Printf("  %d  %-7s  %s/%d  user=%d  attempts=%d  %s\n",
					j.ID, j.Status, j.RefType, j.RefID, j.UserID, j.Attempts, j.LastError)
			}
			return nil
		},
	}
	listCmd.Flags().StringVar(&status, "status", "", "filter by status")
	listCmd.Flags().Int64Var(&filter.UserID, "user", 0, "filter by user id")
	listCmd.Flags().IntVar(&filter.Limit, "limit", 50, "max rows")
	listCmd.Flags().IntVar(&filter.Offset, "offset", 0, "rows to skip")

	cmd.AddCommand(getCmd, listCmd)
	return cmd
}

func devicesCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Inspect registered devices",
	}

	var userID int64
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List a user's active devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			reg := registry.New(store, clockwork.NewRealClock(), setupLogger(cfg.Logging))
			devices, err := reg.FindActiveDevices(context.Background(), userID)
			if err != nil {
				return err
			}
			if len(devices) == 0 {
				fmt.Println("No active devices.")
				return nil
			}
			for _, d := range devices {
				fmt.Printf("  %d  %s  %s  (last seen %s)\n", d.ID, d.Platform, d.Endpoint, d.LastSeenAt.Format(time.RFC3339))
			}
			return nil
		},
	}
	listCmd.Flags().Int64Var(&userID, "user", 0, "user id")
	_ = listCmd.MarkFlagRequired("user")

	cmd.AddCommand(listCmd)
	return cmd
}

func statsCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job and device counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, cleanup, err := storeFromConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			stats, err := store.GetStats(context.Background())
			if err != nil {
				return fmt.Errorf("failed to get stats: %w", err)
			}
			printJSON(stats)
			return nil
		},
	}
}

func vapidCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "vapid",
		Short: "Manage VAPID keys",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate a VAPID key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := delivery.GenerateVAPIDKeys()
			if err != nil {
				return fmt.Errorf("failed to generate keys: %w", err)
			}
			fmt.Printf("PUSHRELAY_WEBPUSH_VAPID_PUBLIC_KEY=%s\n", pub)
			fmt.Printf("PUSHRELAY_WEBPUSH_VAPID_PRIVATE_KEY=%s\n", priv)
			return nil
		},
	})
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var userID int64
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a user token for the device routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set")
			}
			tok, err := api.IssueToken(cfg.Auth.JWTSecret, userID, ttl)
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user", 0, "user id placed in the sub claim")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "apikey",
		Short: "Generate a producer API key",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("PUSHRELAY_AUTH_PRODUCER_API_KEY=%s\n", models.NewAPIKey())
		},
	}
}
