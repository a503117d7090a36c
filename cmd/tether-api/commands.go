package main

import (
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/tether/internal/auth"
	"github.com/MarcoPoloResearchLab/tether/internal/config"
	"github.com/MarcoPoloResearchLab/tether/internal/database"
	"github.com/MarcoPoloResearchLab/tether/internal/logging"
	"github.com/MarcoPoloResearchLab/tether/internal/reconcile"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newMigrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply schema and data migrations, then exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			logger, err := logging.NewLogger(appConfig.LogLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			db, err := database.OpenAndMigrate(database.OptionsFromConfig(appConfig), logger)
			if err != nil {
				return err
			}
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.Close()
		},
	}
}

func newIssueTokenCommand() *cobra.Command {
	var (
		actorID     string
		role        string
		displayName string
		ttl         time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-token",
		Short: "Mint a session token for a field device or operator",
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := config.Load(viper.GetViper())
			if err != nil {
				return err
			}
			actor, err := reconcile.NewActor(actorID, role)
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(actor, displayName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "actor=%s role=%s expires=%s\n", actor.ID, actor.Role, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "Actor identifier carried in the token")
	cmd.Flags().StringVar(&role, "role", string(reconcile.RoleTech), "Actor role (tech, manager)")
	cmd.Flags().StringVar(&displayName, "display-name", "", "Optional display name")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	_ = cmd.MarkFlagRequired("actor-id")
	return cmd
}
