package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"kasirpay/backend/internal/domain"
	"kasirpay/backend/internal/store"
	pgstore "kasirpay/backend/internal/store/postgres"
)

func migrateCmd() *cobra.Command {
	var seedUsers bool
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply the postgres schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := setup()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required for migrate")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()

			pg, err := pgstore.New(ctx, cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer pg.Close()

			if err := pg.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("schema applied")

			if seedUsers {
				return seedOperators(ctx, pg, logger)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&seedUsers, "seed-users", false, "create admin and cashier accounts from SEED_ADMIN_PASSWORD and SEED_CASHIER_PASSWORD")
	return cmd
}

type userCreator interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// seedOperators is safe to rerun; existing accounts are left untouched.
func seedOperators(ctx context.Context, users userCreator, logger *zap.Logger) error {
	seeds := []struct {
		username string
		role     string
		envKey   string
	}{
		{"admin", "admin", "SEED_ADMIN_PASSWORD"},
		{"cashier", "cashier", "SEED_CASHIER_PASSWORD"},
	}

	for _, seed := range seeds {
		password := strings.TrimSpace(os.Getenv(seed.envKey))
		if password == "" {
			return fmt.Errorf("%s must be set to seed %s", seed.envKey, seed.username)
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return err
		}
		err = users.CreateUser(ctx, domain.UserAccount{
			Username:  seed.username,
			Password:  string(hashed),
			Role:      seed.role,
			Active:    true,
			CreatedAt: time.Now().UTC(),
		})
		if errors.Is(err, store.ErrDuplicate) {
			logger.Info("user exists, skipped", zap.String("username", seed.username))
			continue
		}
		if err != nil {
			return fmt.Errorf("seed %s: %w", seed.username, err)
		}
		logger.Info("user created", zap.String("username", seed.username), zap.String("role", seed.role))
	}
	return nil
}
