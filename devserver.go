package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/campusline/edusync/internal/docserver"
)

const defaultDevserverAddr = "127.0.0.1:7430"

func newDevserverCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devserver",
		Short: "Run an in-memory remote document store for development",
		Long: `Serve the collection protocol edusync syncs against, backed by memory.

Point an integration's base_url at it to try edusync without a real LMS or
ERP. Requests authenticate with a bearer JWT or an X-Api-Key header.`,
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE:   runDevserver,
	}

	cmd.Flags().String("listen", defaultDevserverAddr, "listen address")
	cmd.Flags().String("secret", "", "HS256 secret for bearer tokens (empty skips signature checks)")
	cmd.Flags().StringSlice("api-key", nil, "accepted API key (repeatable, empty accepts any)")
	cmd.Flags().String("token", "", "print a bearer token for this subject before serving")
	cmd.Flags().Duration("token-ttl", 24*time.Hour, "lifetime of the printed token")

	return cmd
}

func runDevserver(cmd *cobra.Command, _ []string) error {
	logger := buildLogger(nil)

	addr, _ := cmd.Flags().GetString("listen")
	secret, _ := cmd.Flags().GetString("secret")
	keys, _ := cmd.Flags().GetStringSlice("api-key")
	subject, _ := cmd.Flags().GetString("token")
	ttl, _ := cmd.Flags().GetDuration("token-ttl")

	srv := docserver.New(docserver.Options{
		Logger:    logger,
		JWTSecret: []byte(secret),
		APIKeys:   keys,
	})

	if subject != "" {
		tok, err := srv.IssueToken(subject, ttl)
		if err != nil {
			return err
		}

		fmt.Fprintln(os.Stdout, tok)
	}

	ctx := shutdownContext(cmd.Context(), logger)

	hs := &http.Server{
		Addr:              addr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		if err := hs.Shutdown(shutdownCtx); err != nil {
			logger.Warn("devserver shutdown", slog.String("error", err.Error()))
		}
	}()

	statusf("devserver listening on http://%s\n", addr)

	if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("devserver: %w", err)
	}

	return nil
}
