package core

import (
	"os"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig is the logging section of the configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Development bool   `yaml:"development"`
	Encoding    string `yaml:"encoding"`
}

var LoggerModule = fx.Options(
	fx.Provide(NewSugaredLogger),
	fx.Provide(NewLogger),
)

func NewLogger(sugar *zap.SugaredLogger) *zap.Logger {
	return sugar.Desugar()
}

var encoders = map[string]func(zapcore.EncoderConfig) zapcore.Encoder{
	"json":    zapcore.NewJSONEncoder,
	"console": zapcore.NewConsoleEncoder,
}

// NewSugaredLogger builds the process logger from cfg. Every entry carries
// the service name of the metrics section.
func NewSugaredLogger(cfg Config) (*zap.SugaredLogger, error) {
	return newSugaredLogger(cfg, zapcore.AddSync(os.Stdout))
}

// newSugaredLogger writes to out. Unknown encodings fall back to json.
func newSugaredLogger(c Config, out zapcore.WriteSyncer) (*zap.SugaredLogger, error) {
	cfg := c.Logging
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	encCfg, opts := zap.NewProductionEncoderConfig(), []zap.Option(nil)
	if cfg.Development {
		encCfg = zap.NewDevelopmentEncoderConfig()
		opts = append(opts, zap.Development(), zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	}
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	if c.Metrics.Service != "" {
		opts = append(opts, zap.Fields(zap.String("service", c.Metrics.Service)))
	}

	newEncoder, ok := encoders[cfg.Encoding]
	if !ok {
		newEncoder = zapcore.NewJSONEncoder
	}
	return zap.New(zapcore.NewCore(newEncoder(encCfg), out, level), opts...).Sugar(), nil
}
