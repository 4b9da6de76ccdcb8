package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/nirmitee-tech/fhir-server/internal/config"
	"github.com/nirmitee-tech/fhir-server/internal/platform/fhirstore"
	"github.com/nirmitee-tech/fhir-server/internal/platform/httpapi"
	"github.com/nirmitee-tech/fhir-server/internal/platform/middleware"
	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "fhir-server",
		Short: "FHIR R4 resource server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the FHIR server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

// migrateCmd bootstraps the schema (and optionally wipes existing data)
// without starting the HTTP server.
func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bootstrap the database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			clear, _ := cmd.Flags().GetBool("clear")
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := context.Background()
			db, err := sqladapter.New(ctx, cfg.SQLBackend(), cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return db.Bootstrap(ctx, clear)
		},
	}
	cmd.Flags().Bool("clear", false, "truncate all tables before reseeding")
	return cmd
}

func runServer() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}

	ctx := context.Background()
	db, err := sqladapter.New(ctx, cfg.SQLBackend(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Bootstrap(ctx, cfg.ClearDataOnStartup); err != nil {
		return err
	}

	engine := fhirstore.New(db, logger)
	engine.UseServerGeneratedIDs = cfg.UseServerGeneratedIDs

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.RequestID())
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.Logger(logger))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{AllowOrigins: cfg.CORSOrigins}))

	httpapi.New(engine, cfg.BaseURL).Register(e)

	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Fatal().Err(err).Msg("server shutdown failed")
	}
	logger.Info().Msg("server stopped")
	return nil
}
