package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	httpapi "automation/internal/http"
	"automation/internal/logging"
	"automation/internal/scheduler"
)

var configPath string

func main() {
	root := &cobra.Command{
		Use:          "automation",
		Short:        "Marketing automation engine: trigger evaluation and telemetry queue",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "config file (default ./automation.yaml or $AUTOMATION_CONFIG_PATH)")

	root.AddCommand(serveCmd(), flushCmd(), checkCmd(), messagesCmd())
	if err := root.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the engine, the periodic timers and the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.engine.Start(ctx)
			sched := scheduler.New(a.engine, a.uploader, a.pushes, a.cfg.AutomationInterval, a.cfg.TelemetryInterval, logging.Component(a.log, "scheduler"))
			sched.Start(ctx)
			defer sched.Stop()

			router := httpapi.NewRouter(httpapi.Deps{
				Engine:    a.engine,
				Store:     a.store,
				Uploader:  a.uploader,
				Scheduler: sched,
				Hub:       a.hub,
				WhatsApp:  a.whatsapp,
				Log:       logging.Component(a.log, "http"),
			})
			srv := &http.Server{Addr: ":" + a.cfg.Port, Handler: router}

			errCh := make(chan error, 1)
			go func() {
				a.log.Info().Str("port", a.cfg.Port).Str("push_backend", a.cfg.PushBackend).Msg("HTTP listening")
				errCh <- srv.ListenAndServe()
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
				a.log.Info().Msg("shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
			// last chance to drain the queue; whatever fails stays on disk
			if res, err := a.uploader.Flush(shutdownCtx); err != nil {
				a.log.Warn().Err(err).Int("views", res.Views).Int("events", res.Events).Msg("final flush")
			}
			return nil
		},
	}
}

func flushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Upload pending views and events once",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), a.cfg.APITimeout*4)
			defer cancel()
			res, err := a.uploader.Flush(ctx)
			a.log.Info().Int("views", res.Views).Int("events", res.Events).Msg("flush done")
			return err
		},
	}
}

func checkCmd() *cobra.Command {
	var fromStartup bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Evaluate stored messages once and deliver due pushes",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			a.engine.Start(ctx)
			if err := a.engine.CheckMessages(ctx, fromStartup); err != nil {
				return err
			}
			n, err := a.pushes.DeliverDue(ctx, time.Now())
			a.log.Info().Int("delivered", n).Msg("check done")
			return err
		},
	}
	cmd.Flags().BoolVar(&fromStartup, "startup", false, "evaluate as a startup check (app-opening and inactive-user triggers)")
	return cmd
}

func messagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages",
		Short: "Print the stored messages with their trigger state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), configPath)
			if err != nil {
				return err
			}
			defer a.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(a.messages.Messages())
		},
	}
}
