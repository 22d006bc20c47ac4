package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/shineum/smtp-sink-lite/internal/config"
	"github.com/shineum/smtp-sink-lite/internal/intercept"
	"github.com/shineum/smtp-sink-lite/internal/mailer"
	"github.com/shineum/smtp-sink-lite/internal/metrics"
	"github.com/shineum/smtp-sink-lite/internal/transport"
	"github.com/shineum/smtp-sink-lite/internal/transport/graph"
	"github.com/shineum/smtp-sink-lite/internal/transport/relay"
	"github.com/shineum/smtp-sink-lite/internal/transport/ses"
	"github.com/shineum/smtp-sink-lite/internal/transport/stdout"
	"github.com/shineum/smtp-sink-lite/internal/webhook"
)

// pipeline is the dispatch pipeline with the interception gate installed.
type pipeline struct {
	mailer    *mailer.Mailer
	gate      *intercept.Gate
	transport transport.Transport
	forwarder *webhook.Forwarder
	registry  *prometheus.Registry
}

// buildPipeline wires the real transport, the mailer and the gate.
func buildPipeline(ctx context.Context, st *runState) (*pipeline, error) {
	t, err := selectTransport(ctx, st.cfg, st.logger)
	if err != nil {
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	fw := webhook.New(webhook.Config{
		URL:    st.cfg.Sink.WebhookURL,
		Secret: st.cfg.Sink.WebhookSecret,
		RunID:  st.runID,
	})

	m := mailer.New(mailer.Static(t))
	gate := intercept.New(intercept.Options{
		Environment:       st.cfg.Environment,
		ActiveEnvironment: st.cfg.Sink.ActiveEnvironment,
		RunID:             st.runID,
		Forwarder:         fw,
		Logger:            st.logger,
		Metrics:           metrics.New(reg),
	})
	gate.Register(m)

	return &pipeline{mailer: m, gate: gate, transport: t, forwarder: fw, registry: reg}, nil
}

// selectTransport chooses the real delivery backend. An explicit provider
// must be fully configured; otherwise Graph, then SES, then the relay are
// auto-detected, falling back to stdout.
func selectTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	switch cfg.Provider {
	case "ses":
		if !cfg.SESConfigured() {
			return nil, errors.New("ses provider selected but SES_REGION and SES_SENDER are required")
		}
		return newSES(ctx, cfg, logger)

	case "graph":
		if !cfg.GraphConfigured() {
			return nil, errors.New("graph provider selected but GRAPH_TENANT_ID, GRAPH_CLIENT_ID, GRAPH_CLIENT_SECRET and GRAPH_SENDER are required")
		}
		return newGraph(cfg, logger), nil

	case "relay":
		if !cfg.RelayConfigured() {
			return nil, errors.New("relay provider selected but RELAY_ADDR is required")
		}
		return newRelay(cfg, logger)

	case "stdout":
		logger.Info("using stdout transport")
		return stdout.New(), nil

	case "":
		switch {
		case cfg.GraphConfigured():
			return newGraph(cfg, logger), nil
		case cfg.SESConfigured():
			return newSES(ctx, cfg, logger)
		case cfg.RelayConfigured():
			return newRelay(cfg, logger)
		}
		logger.Info("no transport configured, using stdout transport")
		return stdout.New(), nil

	default:
		return nil, fmt.Errorf("unknown provider %q", cfg.Provider)
	}
}

func newSES(ctx context.Context, cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	logger.Info("using AWS SES transport", "region", cfg.SES.Region, "sender", cfg.SES.Sender)
	t, err := ses.New(ctx, ses.Config{
		Region:          cfg.SES.Region,
		AccessKeyID:     cfg.SES.AccessKeyID,
		SecretAccessKey: cfg.SES.SecretAccessKey,
		Sender:          cfg.SES.Sender,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create SES transport: %w", err)
	}
	return t, nil
}

func newGraph(cfg *config.Config, logger *slog.Logger) transport.Transport {
	logger.Info("using Microsoft Graph transport", "sender", cfg.Graph.Sender)
	return graph.New(graph.Config{
		TenantID:     cfg.Graph.TenantID,
		ClientID:     cfg.Graph.ClientID,
		ClientSecret: cfg.Graph.ClientSecret,
		Sender:       cfg.Graph.Sender,
	})
}

func newRelay(cfg *config.Config, logger *slog.Logger) (transport.Transport, error) {
	logger.Info("using SMTP relay transport", "addr", cfg.Relay.Addr)
	t, err := relay.New(relay.Config{
		Addr:     cfg.Relay.Addr,
		Username: cfg.Relay.Username,
		Password: cfg.Relay.Password,
		Hostname: cfg.SMTP.Hostname,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relay transport: %w", err)
	}
	return t, nil
}
