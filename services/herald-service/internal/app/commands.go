package app

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stoik/herald/internal/config"
	"github.com/stoik/herald/internal/dispatch"
	"github.com/stoik/herald/internal/models"
)

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler tick now",
	Long:  "Checks every active account once and dispatches the due ones, exactly like a scheduled tick",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			s := rt.scheduler.RunTickManually(ctx)
			fmt.Printf("checked=%d due=%d dispatched=%d failed=%d reauth_required=%d config_errors=%d sent=%d send_failures=%d duration=%s\n",
				s.Checked, s.Due, s.Dispatched, s.Failed, s.ReauthRequired, s.ConfigErrors, s.Sent, s.SendFailures, s.Duration)
			return nil
		})
	},
}

var dispatchCmd = &cobra.Command{
	Use:   "dispatch <account-id>",
	Short: "Send an account's summary now",
	Long:  "Sends a test summary to the account and its delegates without consuming today's scheduled delivery",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid account id: %w", err)
		}
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			outcome, err := rt.scheduler.TriggerManualDispatch(ctx, id)
			if err != nil {
				return err
			}
			printOutcome(outcome)
			return nil
		})
	},
}

var dueCmd = &cobra.Command{
	Use:   "due <account-id>",
	Short: "Show whether an account is due now",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid account id: %w", err)
		}
		return withRuntime(func(ctx context.Context, rt *runtime) error {
			due, err := rt.scheduler.EvaluateDueNow(ctx, id)
			if err != nil {
				return err
			}
			fmt.Printf("%s due=%t\n", id, due)
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(tickCmd, dispatchCmd, dueCmd)
}

func withRuntime(fn func(ctx context.Context, rt *runtime) error) error {
	ctx := context.Background()

	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	rt, err := build(ctx, cfg)
	if err != nil {
		return err
	}
	defer rt.Close()

	if cfg.Store.Type == "memory" {
		if err := seedDemoAccount(ctx, rt.store); err != nil {
			return err
		}
	}
	return fn(ctx, rt)
}

func printOutcome(o dispatch.Outcome) {
	fmt.Printf("account=%s date=%s events=%d sent=%d failed=%d\n",
		o.AccountID, o.LocalDate, o.EventCount, o.Sent(), o.Failed())
	if o.Primary != nil {
		printRecipient("owner", *o.Primary)
	}
	for _, d := range o.Delegates {
		printRecipient("delegate "+d.Name, d)
	}
}

func printRecipient(label string, r dispatch.RecipientResult) {
	if r.OK() {
		fmt.Printf("  %-20s %s sent (%s)\n", label, models.MaskPhone(r.Phone), r.MessageID)
		return
	}
	fmt.Printf("  %-20s %s failed: %v\n", label, models.MaskPhone(r.Phone), r.Err)
}
