package core

import (
	"context"

	"github.com/uber-go/tally"
	"go.uber.org/fx"
)

var MetricsModule = fx.Options(
	fx.Provide(NewScope),
)

// NewScope returns the root metrics scope, closed when the app stops.
func NewScope(lc fx.Lifecycle, cfg Config) tally.Scope {
	scope, closer := tally.NewRootScope(tally.ScopeOptions{
		Tags: map[string]string{
			"service": cfg.Metrics.Service,
		},
	}, cfg.Metrics.ReportInterval)

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return closer.Close()
		},
	})
	return scope
}

// Module provides configuration, logging and metrics.
var Module = fx.Options(
	ConfigModule,
	LoggerModule,
	MetricsModule,
)
