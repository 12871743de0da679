package cli

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/aiox-platform/quotaengine/internal/auth"
	"github.com/aiox-platform/quotaengine/internal/database"
	"github.com/aiox-platform/quotaengine/internal/entitlement"
	"github.com/aiox-platform/quotaengine/internal/governance/audit"
	"github.com/aiox-platform/quotaengine/internal/reaper"
	iredis "github.com/aiox-platform/quotaengine/internal/redis"
	"github.com/aiox-platform/quotaengine/internal/referral"
	"github.com/aiox-platform/quotaengine/internal/usage"
)

func (a *app) migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or roll back database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := database.RunMigrations(a.cfg.DB.DSN(), a.cfg.DB.MigrationsPath); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	})

	var steps int
	down := &cobra.Command{
		Use:   "down",
		Short: "Roll back migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := database.RollbackMigrations(a.cfg.DB.DSN(), a.cfg.DB.MigrationsPath, steps); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "rolled back %d migration(s)\n", steps)
			return nil
		},
	}
	down.Flags().IntVar(&steps, "steps", 1, "number of migrations to roll back")
	cmd.AddCommand(down)

	return cmd
}

func (a *app) reapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Delete expired usage rows and cooldowns once",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			pool, err := database.NewPostgresPool(ctx, a.cfg.DB)
			if err != nil {
				return err
			}
			defer pool.Close()

			rdb, err := iredis.NewClient(ctx, a.cfg.Redis)
			if err != nil {
				return err
			}
			defer rdb.Close()

			store, err := usage.NewBackend(a.cfg, pool, rdb)
			if err != nil {
				return err
			}

			report, err := reaper.New(store, referral.NewRepository(pool), a.cfg.Reaper).RunOnce(ctx, time.Now())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for kind, n := range report.Windows {
				fmt.Fprintf(out, "windows %-10s %d\n", kind, n)
			}
			fmt.Fprintf(out, "daily      %d\n", report.Daily)
			fmt.Fprintf(out, "cooldowns  %d\n", report.Cooldowns)
			fmt.Fprintf(out, "total      %d in %s\n", report.Total(), report.Duration.Round(time.Millisecond))
			return nil
		},
	}
}

func (a *app) expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Downgrade entitlements whose paid period has ended",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, closeFn, err := a.entitlements(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			n, err := svc.ExpireStaleEntitlements(cmd.Context(), time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "expired %d entitlement(s)\n", n)
			return nil
		},
	}
}

func (a *app) grantCmd() *cobra.Command {
	var (
		user   string
		grant  entitlement.Grant
		tier   string
		refStr string
	)

	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Extend a user's paid plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			userID, err := uuid.Parse(user)
			if err != nil {
				return fmt.Errorf("invalid --user: %w", err)
			}
			grant.UserID = userID
			grant.Tier = entitlement.Tier(tier)
			grant.SourceRef = refStr
			if err := grant.Validate(); err != nil {
				return err
			}

			svc, closeFn, err := a.entitlements(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			expiresAt, err := svc.GrantBonusDuration(cmd.Context(), grant)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on %s until %s\n", userID, grant.Tier, expiresAt.Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "user id")
	cmd.Flags().StringVar(&tier, "tier", string(entitlement.TierPro), "plan tier (pro or teams)")
	cmd.Flags().IntVar(&grant.Days, "days", 30, "days to add")
	cmd.Flags().StringVar(&grant.Reason, "reason", "manual grant", "reason recorded in the audit log")
	cmd.Flags().StringVar(&refStr, "ref", "", "idempotency reference")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func (a *app) tokenCmd() *cobra.Command {
	var (
		subject string
		role    string
		ttl     time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for a calling service or operator",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			m := auth.NewJWTManager(a.cfg.Auth.TokenSecret, a.cfg.Auth.TokenExpiry)
			token, err := m.Generate(subject, role, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&subject, "subject", "", "token subject, usually the calling service name")
	cmd.Flags().StringVar(&role, "role", auth.RoleService, "service or admin")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime; defaults to the configured expiry")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

// entitlements opens a pool and builds an entitlement service that writes
// audit rows directly.
func (a *app) entitlements(cmd *cobra.Command) (*entitlement.Service, func(), error) {
	plans, err := entitlement.LoadPlans(a.cfg.Quota.PlansFile)
	if err != nil {
		return nil, nil, err
	}
	pool, err := database.NewPostgresPool(cmd.Context(), a.cfg.DB)
	if err != nil {
		return nil, nil, err
	}
	recorder := audit.NewDirectRecorder(audit.NewRepository(pool))
	return entitlement.NewService(entitlement.NewRepository(pool), plans, recorder), pool.Close, nil
}
