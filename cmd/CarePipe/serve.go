package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/BTreeMap/CarePipe/internal/api"
	"github.com/BTreeMap/CarePipe/internal/config"
	"github.com/BTreeMap/CarePipe/internal/lockfile"
	"github.com/BTreeMap/CarePipe/internal/messaging"
	"github.com/BTreeMap/CarePipe/internal/store"
	"github.com/BTreeMap/CarePipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/CarePipe/internal/whatsapp"
)

const healthCheckSession = "healthcheck"

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the enabled chat channels",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a.cfg)
		},
	}
	flags := cmd.Flags()
	flags.String("addr", api.DefaultAddr, "HTTP listen address")
	flags.Bool("whatsapp", false, "enable the linked-device WhatsApp channel")
	flags.Bool("twilio", false, "enable the Twilio WhatsApp channel")
	flags.String("qr-output", "", "write the WhatsApp login QR code to this file")
	flags.Bool("numeric", false, "print the WhatsApp login code as text")
	_ = a.v.BindPFlag("api.addr", flags.Lookup("addr"))
	_ = a.v.BindPFlag("whatsapp.enabled", flags.Lookup("whatsapp"))
	_ = a.v.BindPFlag("twilio.enabled", flags.Lookup("twilio"))
	_ = a.v.BindPFlag("whatsapp.qr_path", flags.Lookup("qr-output"))
	_ = a.v.BindPFlag("whatsapp.numeric_code", flags.Lookup("numeric"))
	return cmd
}

func runServe(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	lock, err := lockfile.AcquireLock(cfg.StateDir, cfg.API.Addr)
	if err != nil {
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			slog.Warn("Serve: failed to release lock file", "error", err)
		}
	}()

	c, err := buildEngine(ctx, cfg, "", prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer c.Close()

	handlerOpts := []messaging.HandlerOption{messaging.WithDebug(cfg.Debug)}
	if repo, ok := c.store.(store.DedupRepo); ok {
		handlerOpts = append(handlerOpts, messaging.WithDedup(repo))
	}
	if repo, ok := c.store.(store.OutboxRepo); ok {
		handlerOpts = append(handlerOpts, messaging.WithOutbox(repo))
	}
	handler := messaging.NewResponseHandler(c.engine, handlerOpts...)

	var services []messaging.Service
	serverOpts := []api.Option{
		api.WithAddr(cfg.API.Addr),
		api.WithHealthCheck(func(ctx context.Context) error {
			_, err := c.store.RecentMessages(ctx, healthCheckSession, 1)
			return err
		}),
	}
	if cfg.API.Metrics {
		serverOpts = append(serverOpts, api.WithMetricsGatherer(prometheus.DefaultGatherer))
	}

	if cfg.Twilio.Enabled {
		client, err := twiliowhatsapp.NewClient(
			twiliowhatsapp.WithAccountSID(cfg.Twilio.AccountSID),
			twiliowhatsapp.WithAuthToken(cfg.Twilio.AuthToken),
			twiliowhatsapp.WithFromWhats(cfg.Twilio.From))
		if err != nil {
			return fmt.Errorf("failed to create twilio client: %w", err)
		}
		var twOpts []messaging.TwilioOption
		if cfg.Twilio.SkipValidate {
			slog.Warn("Serve: twilio webhook signature validation disabled")
		} else {
			twOpts = append(twOpts, messaging.WithSignatureValidation(cfg.Twilio.AuthToken, cfg.Twilio.WebhookURL))
		}
		tsvc := messaging.NewTwilioService(client, twOpts...)
		services = append(services, tsvc)
		serverOpts = append(serverOpts, api.WithTwilioWebhook(tsvc.WebhookHandler))
	}

	if cfg.WhatsApp.Enabled {
		waOpts := []whatsapp.Option{whatsapp.WithDBDSN(cfg.WhatsApp.DSN)}
		if cfg.WhatsApp.QRPath != "" {
			waOpts = append(waOpts, whatsapp.WithQRCodeOutput(cfg.WhatsApp.QRPath))
		}
		if cfg.WhatsApp.NumericCode {
			waOpts = append(waOpts, whatsapp.WithNumericCode())
		}
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return fmt.Errorf("failed to create whatsapp client: %w", err)
		}
		defer client.Disconnect()
		services = append(services, messaging.NewWhatsAppService(client))
	}

	for _, svc := range services {
		if err := svc.Start(ctx); err != nil {
			return fmt.Errorf("failed to start %s service: %w", svc.Name(), err)
		}
		handler.Register(svc)
	}
	defer func() {
		for _, svc := range services {
			if err := svc.Stop(); err != nil {
				slog.Warn("Serve: failed to stop service", "service", svc.Name(), "error", err)
			}
		}
	}()

	server := api.NewServer(c.engine, serverOpts...)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		handler.Start(gctx)
		<-gctx.Done()
		return nil
	})
	g.Go(func() error {
		return server.Run(gctx)
	})

	slog.Info("CarePipe serving", "addr", cfg.API.Addr, "channels", len(services), "state_dir", cfg.StateDir)
	err = g.Wait()
	slog.Info("CarePipe stopped")
	return err
}
