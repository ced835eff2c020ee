package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/board"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/config"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/database"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/logging"
	"github.com/MarcoPoloResearchLab/pixelboard/backend/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "pixelboard-api",
		Short: "Pixel board backend service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Serve the HTTP API and run the lifecycle scheduler",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runServer(cmd.Context())
			},
		},
		&cobra.Command{
			Use:   "tick",
			Short: "Run one lifecycle tick now and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return runTick(cmd.Context())
			},
		},
		newGrantCommand(),
		newIssueSessionCommand(),
	)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("signing-secret", "", "Session signing secret (overrides env)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

// openBoard builds the logger, database and board shared by every command.
func openBoard(ctx context.Context, settings board.Settings, databasePath, logLevel string) (*board.Service, *zap.Logger, func(), error) {
	logger, err := logging.NewLogger(logLevel)
	if err != nil {
		return nil, nil, nil, err
	}
	db, err := database.OpenSQLite(databasePath, logger)
	if err != nil {
		return nil, nil, nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, nil, err
	}
	closeAll := func() {
		_ = sqlDB.Close()
		_ = logger.Sync()
	}
	service, err := board.New(ctx, board.Dependencies{
		Database: db,
		Settings: settings,
		Logger:   logger,
	})
	if err != nil {
		closeAll()
		return nil, nil, nil, err
	}
	return service, logger, closeAll, nil
}

func runServer(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	boardService, logger, closeAll, err := openBoard(ctx, appConfig.Board, appConfig.DatabasePath, appConfig.LogLevel)
	if err != nil {
		return err
	}
	defer closeAll()

	sessionValidator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(appConfig.AuthSigningKey),
		Issuer:        appConfig.AuthIssuer,
		CookieName:    appConfig.AuthCookieName,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Board:            boardService,
		SessionValidator: sessionValidator,
		Logger:           logger,
		PlacementRate:    appConfig.PlacementRatePerSecond,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	group, groupCtx := errgroup.WithContext(signalCtx)
	group.Go(func() error {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		return boardService.Scheduler().Run(groupCtx)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func runTick(ctx context.Context) error {
	settings, err := config.LoadBoard(viper.GetViper())
	if err != nil {
		return err
	}
	boardService, logger, closeAll, err := openBoard(ctx, settings, viper.GetString("database.path"), viper.GetString("log.level"))
	if err != nil {
		return err
	}
	defer closeAll()

	report, err := boardService.RunLifecycleTick(ctx, time.Now())
	if err != nil {
		return err
	}
	logger.Info("lifecycle tick complete",
		zap.Int64("cycle_id", report.CurrentCycleID),
		zap.Bool("rolled", report.Rolled),
		zap.Bool("archive_written", report.ArchiveWritten),
		zap.Int("bonuses_credited", report.BonusesCredited),
		zap.Int("vote_periods_closed", len(report.VoteRewards)))
	return nil
}

func newGrantCommand() *cobra.Command {
	var reference string
	cmd := &cobra.Command{
		Use:   "grant <user-id> <amount>",
		Short: "Credit a user's account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var amount int64
			if _, err := fmt.Sscan(args[1], &amount); err != nil {
				return fmt.Errorf("invalid amount %q: %w", args[1], err)
			}
			settings, err := config.LoadBoard(viper.GetViper())
			if err != nil {
				return err
			}
			boardService, _, closeAll, err := openBoard(cmd.Context(), settings, viper.GetString("database.path"), viper.GetString("log.level"))
			if err != nil {
				return err
			}
			defer closeAll()

			account, err := boardService.Grant(cmd.Context(), args[0], amount, reference)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s balance %d\n", account.UserID, account.Balance)
			return nil
		},
	}
	cmd.Flags().StringVar(&reference, "reference", "", "Idempotency reference; repeating a reference credits once")
	return cmd
}

func newIssueSessionCommand() *cobra.Command {
	var (
		roles []string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue-session <user-id>",
		Short: "Mint a session token, e.g. for a moderator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := auth.NewSessionIssuer(auth.SessionIssuerConfig{
				SigningSecret: []byte(viper.GetString("auth.signing_secret")),
				Issuer:        viper.GetString("auth.issuer"),
				TokenTTL:      ttl,
			})
			if err != nil {
				return err
			}
			token, expiresAt, err := issuer.Issue(args[0], roles...)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", token, expiresAt.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&roles, "role", nil, "Role to embed; repeatable")
	cmd.Flags().DurationVar(&ttl, "ttl", 12*time.Hour, "Token lifetime")
	return cmd
}
