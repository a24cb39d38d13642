package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stoik/herald/internal/config"
	"github.com/stoik/herald/internal/store"
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Setup database and create the demo account",
	Long:  "Creates database tables and inserts a demo account for development/testing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := context.Background()

		cfg, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}

		pool, err := store.Connect(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		defer pool.Close()

		fmt.Println("Running migrations...")
		if err := store.Migrate(ctx, pool); err != nil {
			return err
		}

		fmt.Println("Inserting demo account...")
		demo := demoAccount()
		insertAccountSQL := `
			INSERT INTO accounts (id, email, provider_subject, display_name, phone,
			    access_token, refresh_token, timezone, send_time, active, style)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			ON CONFLICT (id) DO UPDATE SET email = EXCLUDED.email, phone = EXCLUDED.phone
		`
		_, err = pool.Exec(ctx, insertAccountSQL,
			demo.ID, demo.Email, demo.ProviderSubject, demo.DisplayName, demo.Phone,
			demo.Credential.AccessToken, demo.Credential.RefreshToken,
			demo.Timezone, demo.SendTime, demo.Active, string(demo.Style),
		)
		if err != nil {
			return fmt.Errorf("failed to insert demo account: %w", err)
		}

		fmt.Printf("✓ Database setup complete. Demo account: %s (%s, sends at %s %s)\n",
			demo.ID, demo.Email, demo.SendTime, demo.Timezone)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(setupCmd)
}
