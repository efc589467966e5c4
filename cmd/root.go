package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/megatera/review-feed/internal/auth"
	"github.com/megatera/review-feed/internal/core"
	"github.com/megatera/review-feed/internal/features/digest"
	"github.com/megatera/review-feed/internal/features/digest/models"
	"github.com/megatera/review-feed/internal/features/digest/store"
	"github.com/megatera/review-feed/internal/server"
)

const defaultLimit = 10

func newRootCmd() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "review-digest",
		Short:         "Daily App Store review digests",
		Long:          "review-digest keeps per-app subscriptions and writes a daily digest of new App Store customer reviews.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML config file (default $DIGEST_CONFIG)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP control surface and the scheduler",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServe(cmd, configPath)
			},
		},
		newDigestCmd(&configPath),
		newSubscriptionsCmd(&configPath),
		newHashTokenCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "review-digest %s (commit: %s)\n", version, commit)
			},
		},
	)

	return root
}

func loadConfig(cmd *cobra.Command, path string) (*core.Config, *core.Logger, error) {
	config, err := core.LoadConfig(path)
	if err != nil {
		return nil, nil, err
	}
	logger := core.NewLoggerTo(cmd.ErrOrStderr(), config.Log.Level)
	return config, logger, nil
}

func runServe(cmd *cobra.Command, configPath string) error {
	config, logger, err := loadConfig(cmd, configPath)
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Failed to load configuration:", err)
		return err
	}

	srv, err := server.New(config, logger, version)
	if err != nil {
		logger.Error("Failed to create server", "error", err)
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("Server stopped with error", "error", err)
		return err
	}
	return nil
}

func newDigestCmd(configPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "digest <appId>",
		Short: "Run one digest now and print it",
		Long: "Runs the digest for one app without starting the server. Without --limit the " +
			"stored subscription limit is used, or 10 when the app has no subscription.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appID := args[0]
			if !models.IsAppID(appID) {
				return fmt.Errorf("invalid app id %q", appID)
			}

			config, logger, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			cfg := digest.NewConfig(config)

			if !cmd.Flags().Changed("limit") {
				limit = storedLimit(cmd.Context(), cfg, logger, appID)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := digest.NewGenerator(logger, cfg).Generate(ctx, appID, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, result.Body)
			fmt.Fprintf(out, "\n%d new review(s), written to %s\n", len(result.Reviews), result.DigestPath)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", defaultLimit, "maximum number of new reviews in the digest")
	return cmd
}

func storedLimit(ctx context.Context, cfg *digest.Config, logger *core.Logger, appID string) int {
	st, err := store.Open(ctx, cfg.StoreDriver, cfg.StorePath(), logger)
	if err != nil {
		logger.Warn("Task store unavailable, using default limit", "error", err)
		return defaultLimit
	}
	defer st.Close()

	subs, err := st.Load(ctx)
	if err != nil {
		logger.Warn("Task store unreadable, using default limit", "error", err)
		return defaultLimit
	}
	if sub, ok := subs[appID]; ok && sub.Limit > 0 {
		return sub.Limit
	}
	return defaultLimit
}

func newSubscriptionsCmd(configPath *string) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "subscriptions",
		Short: "List persisted subscriptions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			config, logger, err := loadConfig(cmd, *configPath)
			if err != nil {
				return err
			}
			cfg := digest.NewConfig(config)

			st, err := store.Open(cmd.Context(), cfg.StoreDriver, cfg.StorePath(), logger)
			if err != nil {
				return err
			}
			defer st.Close()

			subs, err := st.Load(cmd.Context())
			if err != nil {
				return err
			}

			list := make([]models.Subscription, 0, len(subs))
			for appID, sub := range subs {
				sub.AppID = appID
				list = append(list, sub)
			}
			sort.Slice(list, func(i, j int) bool { return list[i].AppID < list[j].AppID })

			return printSubscriptions(cmd, list, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

func printSubscriptions(cmd *cobra.Command, list []models.Subscription, asJSON bool) error {
	out := cmd.OutOrStdout()
	if asJSON {
		views := make([]models.SubscriptionView, 0, len(list))
		for _, s := range list {
			views = append(views, models.SubscriptionView{
				AppID: s.AppID, Minute: s.Minute, Hour: s.Hour, Limit: s.Limit,
				Scheduled: s.Scheduled, Spec: s.CronSpec(),
			})
		}
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(views)
	}

	if len(list) == 0 {
		fmt.Fprintln(out, "No subscriptions.")
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "APP ID\tTIME\tLIMIT\tSCHEDULED")
	for _, s := range list {
		fmt.Fprintf(tw, "%s\t%02d:%02d\t%d\t%t\n", s.AppID, s.Hour, s.Minute, s.Limit, s.Scheduled)
	}
	return tw.Flush()
}

func newHashTokenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash of a control token for auth.control_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := auth.HashToken(strings.TrimSpace(args[0]))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}
