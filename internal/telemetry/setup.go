package telemetry

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"
)

const metricInterval = 10 * time.Second

// Providers owns the OpenTelemetry providers started by Setup.
type Providers struct {
	Logger   *slog.Logger
	shutdown []func(context.Context) error
}

// Setup starts the tracer, meter and logger providers in that order, so the
// log bridge can correlate records with spans. All three share one collector
// connection. When enabled is false the global no-op providers stay in place
// and logs go to stdout as JSON.
func Setup(ctx context.Context, serviceName, otlpEndpoint, environment string, enabled bool) (*Providers, error) {
	p := &Providers{}
	if !enabled {
		p.Logger = slog.New(slog.NewJSONHandler(os.Stdout, nil))
		return p, nil
	}

	res, err := newResource(serviceName, environment)
	if err != nil {
		return nil, err
	}

	conn, err := dial(otlpEndpoint)
	if err != nil {
		return nil, err
	}
	// closed last, after every exporter has flushed
	p.shutdown = append(p.shutdown, func(context.Context) error { return conn.Close() })

	tp, err := InitTracerProvider(ctx, conn, res)
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	p.shutdown = append(p.shutdown, tp.Shutdown)

	mp, err := InitMeterProvider(ctx, conn, res, metricInterval)
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	p.shutdown = append(p.shutdown, mp.Shutdown)

	lp, logger, err := InitLoggerProvider(ctx, conn, res, serviceName)
	if err != nil {
		return nil, errors.Join(err, p.Shutdown(ctx))
	}
	p.shutdown = append(p.shutdown, lp.Shutdown)
	p.Logger = logger

	return p, nil
}

// Shutdown flushes and stops the providers in reverse start order.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
