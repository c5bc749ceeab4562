// Package cli holds the meridian command tree. Operator commands talk to the task store
// directly; there is no submission command.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"meridian/internal/app"
	"meridian/internal/config"
	"meridian/internal/domain"
	"meridian/internal/logging"
	"meridian/internal/queue"
	"meridian/internal/store"
)

type rootOptions struct {
	configPath string
	envFile    string

	mgr      *config.Manager
	settings *config.Settings
}

func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "meridian",
		Short:         "Distributed task scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.LoadDotEnv(opts.envFile); err != nil {
				return err
			}
			opts.mgr = config.NewManager(opts.configPath)
			s, err := opts.mgr.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			opts.settings = s
			return logging.Setup(s.Log.Level, s.Log.Format)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "config file (yaml or json)")
	root.PersistentFlags().StringVar(&opts.envFile, "env-file", ".env", "dotenv file loaded before the config")

	root.AddCommand(
		runCommand(opts),
		migrateCommand(opts),
		inspectCommand(opts),
		listCommand(opts),
		replayCommand(opts),
		cancelCommand(opts),
		regionCommand(opts),
	)
	return root
}

func runCommand(opts *rootOptions) *cobra.Command {
	var roles string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run scheduler components",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			selected, err := app.ParseRoles(roles)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := app.Open(ctx, opts.mgr)
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.Run(ctx, selected); err != nil {
				return err
			}
			log.Info().Msg("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&roles, "roles", "all", "comma separated roles: scheduler,worker,sweeper,cron,api")
	return cmd
}

func migrateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply task store migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			db, err := app.OpenDB(cmd.Context(), opts.settings)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := store.EnsureSchema(db); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Migrations applied successfully")
			return nil
		},
	}
}

// withStore opens the task store for one operator command.
func withStore(ctx context.Context, opts *rootOptions, fn func(s *store.Store) error) error {
	db, err := app.OpenDB(ctx, opts.settings)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := store.EnsureSchema(db); err != nil {
		return err
	}
	return fn(store.New(db, store.WithTimeout(opts.settings.Store.Timeout)))
}

func inspectCommand(opts *rootOptions) *cobra.Command {
	var events bool
	cmd := &cobra.Command{
		Use:   "inspect <instance-id>",
		Short: "Show an instance and optionally its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *store.Store) error {
				inst, err := s.GetInstance(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				if !events {
					return printJSON(cmd.OutOrStdout(), inst)
				}
				evs, err := s.ListEvents(cmd.Context(), inst.ID)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), struct {
					Instance domain.Instance `json:"instance"`
					Events   []domain.Event  `json:"events"`
				}{inst, evs})
			})
		},
	}
	cmd.Flags().BoolVar(&events, "events", false, "include the audit trail")
	return cmd
}

func listCommand(opts *rootOptions) *cobra.Command {
	var (
		status string
		f      store.InstanceFilter
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List instances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if status != "" {
				st, err := domain.ParseStatus(status)
				if err != nil {
					return err
				}
				f.Status = st
			}
			return withStore(cmd.Context(), opts, func(s *store.Store) error {
				out, err := s.ListInstances(cmd.Context(), f)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, inst := range out {
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d/%d\n", inst.ID, inst.DefinitionID, inst.Status,
						inst.Region, inst.AttemptCount, inst.MaxAttempts)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&f.Region, "region", "", "filter by region")
	cmd.Flags().StringVar(&f.DefinitionID, "definition", "", "filter by definition id")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum rows")
	return cmd
}

func replayCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "replay <instance-id>",
		Short: "Return a DEAD_LETTER or BLOCKED_FAILED instance to PENDING",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *store.Store) error {
				inst, err := s.Replay(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), inst)
			})
		},
	}
}

func cancelCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <instance-id>",
		Short: "Cancel a pending instance or flag a running one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), opts, func(s *store.Store) error {
				inst, err := s.RequestCancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), inst)
			})
		},
	}
}

func regionCommand(opts *rootOptions) *cobra.Command {
	region := &cobra.Command{Use: "region", Short: "Queue region health"}
	region.AddCommand(
		&cobra.Command{
			Use:   "set-health <region> <up|down>",
			Short: "Mark a region's queues healthy or unhealthy",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				var healthy bool
				switch strings.ToLower(args[1]) {
				case "up":
					healthy = true
				case "down":
				default:
					return fmt.Errorf("health must be up or down, got %q", args[1])
				}
				if !slices.Contains(opts.settings.Regions, args[0]) {
					return fmt.Errorf("unknown region %q", args[0])
				}
				return withStore(cmd.Context(), opts, func(s *store.Store) error {
					if err := queue.NewSQLBackend(s.DB(), nil).SetHealthy(cmd.Context(), args[0], healthy); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], args[1])
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "list",
			Short: "Show the health of every configured region",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStore(cmd.Context(), opts, func(s *store.Store) error {
					b := queue.NewSQLBackend(s.DB(), nil)
					for _, r := range opts.settings.Regions {
						ok, err := b.Healthy(cmd.Context(), r)
						if err != nil {
							return err
						}
						state := "up"
						if !ok {
							state = "down"
						}
						fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", r, state)
					}
					return nil
				})
			},
		},
	)
	return region
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
