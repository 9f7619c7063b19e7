// Package sfu wires the core components into one running service: the
// session manager, the trace exporter and their shared shutdown path.
// cmd/sfud constructs exactly one Service and runs it for the lifetime
// of the process, mirroring the way the teacher's main.go wired a
// Matrix client and router together inline, just factored out into its
// own package since there is more than config-loading to assemble here.
package sfu

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"

	"github.com/flowmesh/sfu/pkg/config"
	"github.com/flowmesh/sfu/pkg/session"
	"github.com/flowmesh/sfu/pkg/telemetry"
)

// Service owns the session manager and whatever telemetry exporter the
// configuration selected.
type Service struct {
	cfg     config.Config
	manager *session.Manager
	tracer  *tracesdk.TracerProvider

	log *logrus.Entry
}

// New builds a Service from cfg. Telemetry is only configured when the
// config names a Jaeger or OTLP endpoint; an empty Telemetry section is
// not an error, it just leaves tracing off.
func New(cfg config.Config) (*Service, error) {
	svc := &Service{
		cfg:     cfg,
		manager: session.NewManager(cfg),
		log:     logrus.WithField("component", "sfu"),
	}

	if cfg.Telemetry.JaegerURL != "" || cfg.Telemetry.OTLP.Host != "" {
		tp, err := telemetry.SetupTelemetry(cfg.Telemetry)
		if err != nil {
			return nil, fmt.Errorf("setting up telemetry: %w", err)
		}
		svc.tracer = tp
	}

	return svc, nil
}

// Manager exposes the underlying session manager for the signalling
// surface (out of scope here, see pkg/transport) to join connections
// against.
func (s *Service) Manager() *session.Manager { return s.manager }

// Run drains the manager's event loop until ctx is cancelled. It
// blocks, the same way the teacher's RunSyncing blocked main().
func (s *Service) Run(ctx context.Context) {
	s.log.Info("sfu service running")
	s.manager.Run(ctx)
}

// Shutdown tears the service down: every live session is closed and
// waited on up to the configured deadline, then the trace provider (if
// any) is flushed and stopped.
func (s *Service) Shutdown(ctx context.Context) error {
	s.log.Info("sfu service shutting down")

	err := s.manager.Shutdown(ctx)

	if s.tracer != nil {
		if shutdownErr := s.tracer.Shutdown(ctx); shutdownErr != nil && err == nil {
			err = fmt.Errorf("shutting down tracer provider: %w", shutdownErr)
		}
	}

	return err
}
