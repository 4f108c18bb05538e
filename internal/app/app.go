// Package app runs the two roles of the replier process.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/qvcloud/replier/analytics"
	"github.com/qvcloud/replier/broker"
	"github.com/qvcloud/replier/brokers"
	"github.com/qvcloud/replier/client"
	"github.com/qvcloud/replier/internal/config"
	"github.com/qvcloud/replier/responder"
)

type runOptions struct {
	transport broker.Broker
	ready     func(*client.Session)
}

type Option func(*runOptions)

// WithTransport replaces the transport named in the config.
func WithTransport(b broker.Broker) Option {
	return func(o *runOptions) {
		o.transport = b
	}
}

// OnReady is called once the session is subscribed and consuming.
func OnReady(f func(*client.Session)) Option {
	return func(o *runOptions) {
		o.ready = f
	}
}

// RunResponder answers requests on cfg.Responder.RequestPattern until ctx is done.
func RunResponder(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) error {
	log = log.With("role", "responder")
	policy := responder.StaticPolicy{
		ReplyText:         cfg.Responder.ReplyText,
		NotificationTopic: cfg.Responder.NotificationTopic,
		RequestPattern:    cfg.Responder.RequestPattern,
	}

	return run(ctx, cfg, log, []string{cfg.Responder.RequestPattern},
		[]client.Option{client.WithOutcomeHandler(responder.OutcomeLogger{Log: log.With("component", "producer")})},
		func(s *client.Session) client.MessageHandler {
			return responder.New(s, policy, log)
		}, opts...)
}

// RunAnalytics logs traffic on cfg.Analytics.Patterns until ctx is done.
func RunAnalytics(ctx context.Context, cfg *config.Config, log *slog.Logger, opts ...Option) error {
	log = log.With("role", "analytics")
	l := analytics.New(log, otel.Meter("github.com/qvcloud/replier/analytics"))

	err := run(ctx, cfg, log, cfg.Analytics.Patterns, nil,
		func(*client.Session) client.MessageHandler { return l }, opts...)
	if err == nil {
		log.Info("analytics summary", "destinations", l.Snapshot())
	}
	return err
}

func run(
	ctx context.Context,
	cfg *config.Config,
	log *slog.Logger,
	patterns []string,
	extra []client.Option,
	handler func(*client.Session) client.MessageHandler,
	opts ...Option,
) error {
	var o runOptions
	for _, opt := range opts {
		opt(&o)
	}

	tr := o.transport
	if tr == nil {
		var err error
		tr, err = brokers.New(cfg.Broker.Transport)
		if err != nil {
			return err
		}
	}

	sessionOpts := append(cfg.SessionOptions(),
		client.WithLogger(log),
		client.WithErrorHandler(client.ErrorHandlerFunc(func(err error) {
			log.Warn("consumer received exception", "err", err)
		})),
	)
	s := client.New(tr, cfg.Session(), append(sessionOpts, extra...)...)
	if err := s.Connect(ctx); err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Dispatch.CloseTimeout)
		defer cancel()
		if err := s.Close(closeCtx); err != nil {
			log.Warn("close failed", "err", err)
		}
		log.Info("exiting")
	}()

	for _, p := range patterns {
		if err := s.Subscribe(p); err != nil {
			return err
		}
	}

	if err := s.StartConsuming(handler(s)); err != nil {
		return fmt.Errorf("start consuming: %w", err)
	}
	log.Info("listening", "patterns", patterns, "transport", tr.String())

	if o.ready != nil {
		o.ready(s)
	}

	<-ctx.Done()
	return s.StopConsuming()
}
