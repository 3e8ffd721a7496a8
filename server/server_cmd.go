package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/coreauth/fga"
	"github.com/coreauth/fga/storage/memory"
	"github.com/coreauth/fga/storage/postgres"
)

func NewServerCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server [flags]",
		Short: "Run the authorization server",
	}

	var configFile string
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (FGA_* env vars override)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		config, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: config.SlogLevel()})).
			WithGroup("server")

		storage, err := openStorage(ctx, config, log)
		if err != nil {
			return err
		}
		defer storage.Close()

		var cache fga.CheckCache = fga.NopCache{}
		if config.CacheSize > 0 {
			lru, err := fga.NewLRUCache(config.CacheSize)
			if err != nil {
				return err
			}
			cache = lru
		}

		service := fga.NewStoreService(storage,
			fga.WithServiceCache(cache),
			fga.WithServiceLogger(log.WithGroup("store")))
		resolver := fga.NewResolver(storage,
			fga.WithMaxDepth(config.MaxDepth),
			fga.WithCheckCache(cache),
			fga.WithLogger(log.WithGroup("resolver")))

		e := echo.New()
		e.HideBanner = true
		e.HidePort = true
		e.Use(echomw.Recover())
		e.Use(requestLogger(log.WithGroup("http")))
		NewHandler(service, resolver, log.WithGroup("handler")).
			Register(e, APIKeyAuth(service, config.AuthEnabled))

		server := http.Server{
			Addr:    config.ListenAddr,
			Handler: h2c.NewHandler(e, &http2.Server{}),
			BaseContext: func(l net.Listener) context.Context {
				return ctx
			},
		}

		log.Info(fmt.Sprintf("started server on %s", config.ListenAddr),
			slog.Bool("auth_enabled", config.AuthEnabled))
		go func() {
			err := server.ListenAndServe()
			if errors.Is(err, http.ErrServerClosed) {
				log.Info("server gracefully closed")
			} else if err != nil {
				log.Error("error listening on server", slog.Any("error", err))
			}
		}()

		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(ctxShutdown); err != nil {
			log.Error("error on server shutdown", slog.Any("error", err))
			return err
		}
		return nil
	}

	return cmd
}

func requestLogger(log *slog.Logger) echo.MiddlewareFunc {
	return echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogStatus:  true,
		LogMethod:  true,
		LogURI:     true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.Info("request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency))
			return nil
		},
	})
}

func NewMigrateCmd(log *slog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [flags]",
		Short: "Apply database migrations and exit",
	}

	var configFile string
	cmd.Flags().StringVar(&configFile, "config", "", "path to a config file (FGA_* env vars override)")

	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig(configFile)
		if err != nil {
			return err
		}
		if config.DatabaseURL == "" {
			return errors.New("migrate requires database_url")
		}
		if err := postgres.RunMigrations(config.DatabaseURL); err != nil {
			return err
		}
		log.Info("migrations applied")
		return nil
	}

	return cmd
}

func openStorage(ctx context.Context, config *Config, log *slog.Logger) (fga.Storage, error) {
	if config.DatabaseURL == "" {
		log.Warn("no database_url configured, using in-memory storage")
		return memory.NewStorage(), nil
	}
	return postgres.NewStorage(ctx, config.DatabaseURL)
}
