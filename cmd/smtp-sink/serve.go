package main

import (
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/shineum/smtp-sink-lite/internal/admin"
	"github.com/shineum/smtp-sink-lite/internal/smtp"
	smtptls "github.com/shineum/smtp-sink-lite/internal/tls"
)

func serveAction(c *cli.Context) error {
	st, err := setup(c)
	if err != nil {
		return err
	}
	cfg := st.cfg

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := buildPipeline(ctx, st)
	if err != nil {
		return err
	}

	tlsConfig, err := smtptls.LoadOrGenerateTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.SMTP.Hostname)
	if err != nil {
		return err
	}
	tlsMode := "self-signed"
	if cfg.TLS.CertFile != "" {
		tlsMode = "file"
	}

	server := smtp.New(smtp.ServerConfig{
		ListenAddr:     cfg.SMTP.Listen,
		Hostname:       cfg.SMTP.Hostname,
		Deliverer:      p.mailer,
		TLSConfig:      tlsConfig,
		AuthUsername:   cfg.SMTP.Username,
		AuthPassword:   cfg.SMTP.Password,
		MaxMessageSize: cfg.SMTP.MaxMessageSize,
		Logger:         st.logger,
	})

	st.logger.Info("starting smtp-sink-lite",
		"version", Version,
		"environment", cfg.Environment,
		"listen", cfg.SMTP.Listen,
		"transport", p.transport.Name(),
		"intercept_enabled", p.gate.Enabled(),
		"webhook_url", p.forwarder.URL(),
		"auth_enabled", cfg.AuthEnabled(),
		"tls_mode", tlsMode,
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.ListenAndServe(gctx)
	})
	if cfg.Admin.Listen != "" {
		adminServer := admin.New(admin.Config{
			ListenAddr: cfg.Admin.Listen,
			RunID:      st.runID,
			Transport:  p.transport.Name(),
			Gatherer:   p.registry,
			Gate:       p.gate,
		})
		g.Go(func() error {
			return adminServer.ListenAndServe(gctx)
		})
	}

	err = g.Wait()
	if err != nil && ctx.Err() == nil {
		return err
	}

	st.logger.Info("smtp-sink-lite stopped", "processed_requests", p.gate.Processed())
	return nil
}
