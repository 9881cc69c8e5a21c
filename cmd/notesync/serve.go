package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/notesync/internal/auth"
	"github.com/MarcoPoloResearchLab/notesync/internal/collection"
	"github.com/MarcoPoloResearchLab/notesync/internal/config"
	"github.com/MarcoPoloResearchLab/notesync/internal/database"
	"github.com/MarcoPoloResearchLab/notesync/internal/notes"
	"github.com/MarcoPoloResearchLab/notesync/internal/server"
	"github.com/MarcoPoloResearchLab/notesync/internal/ui"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var errMissingSigningSecret = errors.New("server.signing_secret is required to issue tokens")

func newServeCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a remote note collection over HTTP",
		Long:  `Serve the note collection that clients synchronize against. With a signing secret every request needs a bearer token; without one all requests share the default owner.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			parent := cmd.Context()
			if parent == nil {
				parent = context.Background()
			}
			appConfig, err := state.loadServerConfig(cmd)
			if err != nil {
				return err
			}
			return runServer(parent, appConfig, state.logger)
		},
	}
	addServerFlags(cmd)
	return cmd
}

func newTokenCommand(state *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Mint a bearer token for the collection server",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, err := state.loadServerConfig(cmd)
			if err != nil {
				return err
			}
			issuer, err := newTokenIssuer(appConfig.Server)
			if err != nil {
				return err
			}
			if issuer == nil {
				return errMissingSigningSecret
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintln(cmd.ErrOrStderr(), ui.Success(fmt.Sprintf("expires in %s", time.Duration(expiresIn)*time.Second)))
			return nil
		},
	}
	addServerFlags(cmd)
	return cmd
}

func addServerFlags(cmd *cobra.Command) {
	defaults := config.NewViper()
	flags := cmd.Flags()
	flags.String("address", defaults.GetString("server.address"), "HTTP listen address")
	flags.String("database-path", defaults.GetString("server.database_path"), "SQLite database of the collection")
	flags.String("signing-secret", "", "Token signing secret (overrides env)")
	flags.String("default-owner", defaults.GetString("server.default_owner"), "Owner of every request when no signing secret is set")
	flags.Duration("token-ttl", defaults.GetDuration("server.token_ttl"), "Lifetime of minted tokens")
}

// loadServerConfig binds the flags of the running server command and reloads the configuration.
// Binding happens per run because serve and token declare the same keys.
func (c *cli) loadServerConfig(cmd *cobra.Command) (config.AppConfig, error) {
	flags := cmd.Flags()
	for key, flag := range map[string]string{
		"server.address":        "address",
		"server.database_path":  "database-path",
		"server.signing_secret": "signing-secret",
		"server.default_owner":  "default-owner",
		"server.token_ttl":      "token-ttl",
	} {
		if err := c.viper.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return config.AppConfig{}, err
		}
	}
	return config.Load(c.viper)
}

func newTokenIssuer(cfg config.ServerConfig) (*auth.TokenIssuer, error) {
	if strings.TrimSpace(cfg.SigningSecret) == "" {
		return nil, nil
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(cfg.SigningSecret),
		Issuer:        auth.DefaultIssuer,
		Audience:      auth.DefaultAudience,
		TokenTTL:      cfg.TokenTTL,
	})
}

func newCollectionHandler(appConfig config.AppConfig, logger *zap.Logger) (http.Handler, func() error, error) {
	db, err := database.OpenSQLite(database.Config{
		Path:   appConfig.Server.DatabasePath,
		Logger: logger,
		Models: collection.Models(),
	})
	if err != nil {
		return nil, nil, err
	}
	closeDB := func() error { return database.Close(db) }

	service, err := collection.NewService(collection.ServiceConfig{
		Database:   db,
		Clock:      time.Now,
		IDProvider: notes.NewUUIDProvider(),
		Logger:     logger.Named("collection"),
	})
	if err != nil {
		_ = closeDB()
		return nil, nil, err
	}

	deps := server.Dependencies{
		Collection:   service,
		DefaultOwner: appConfig.Server.DefaultOwner,
		Registry:     prometheus.NewRegistry(),
		Logger:       logger.Named("http"),
	}
	deps.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	issuer, err := newTokenIssuer(appConfig.Server)
	if err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	if issuer != nil {
		deps.Tokens = issuer
	}

	handler, err := server.NewHTTPHandler(deps)
	if err != nil {
		_ = closeDB()
		return nil, nil, err
	}
	return handler, closeDB, nil
}

func runServer(ctx context.Context, appConfig config.AppConfig, logger *zap.Logger) error {
	if err := appConfig.ValidateServer(); err != nil {
		return err
	}

	handler, closeDB, err := newCollectionHandler(appConfig, logger)
	if err != nil {
		return err
	}
	defer closeDB() //nolint:errcheck

	httpServer := &http.Server{
		Addr:              appConfig.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("address", appConfig.Server.Address),
			zap.Bool("token_auth", strings.TrimSpace(appConfig.Server.SigningSecret) != ""),
		)
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
