// Package bootstrap wires configuration, logging and the engine components
// together for the daemon entry point.
package bootstrap

import (
	"os"

	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"bastion/anomaly"
	"bastion/config"
	"bastion/device"
	"bastion/token"
)

// InitLogger builds a colored console logger writing to stdout.
func InitLogger() (*zap.Logger, *zap.SugaredLogger) {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encoderConfig),
		zapcore.AddSync(os.Stdout),
		zapcore.DebugLevel,
	)
	logger := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	return logger, logger.Sugar()
}

// InitConfig loads the service configuration and reports its source.
func InitConfig(sugar *zap.SugaredLogger) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if viper.ConfigFileUsed() == "" {
		sugar.Info("no config file found, using defaults and env vars")
	} else {
		sugar.Infow("config loaded", "file", viper.ConfigFileUsed())
	}
	sugar.Infow("engine configuration",
		"rotation_interval", cfg.Engine.RotationInterval,
		"max_token_age", cfg.Engine.MaxTokenAge,
		"tokens_per_session", cfg.Engine.TokensPerSession,
		"analysis_interval", cfg.Anomaly.AnalysisInterval)
	return cfg, nil
}

// Engine bundles the three independently testable components of the CSRF
// defense engine. They never call each other; the middleware layer
// coordinates them.
type Engine struct {
	Tokens   *token.Manager
	Devices  *device.Registry
	Detector *anomaly.Detector
}

// BuildEngine constructs the engine components from configuration.
func BuildEngine(cfg *config.Config, sugar *zap.SugaredLogger) *Engine {
	return &Engine{
		Tokens: token.NewManager(
			cfg.Engine.RotationInterval,
			cfg.Engine.MaxTokenAge,
			cfg.Engine.TokensPerSession,
			sugar,
		),
		Devices: device.NewRegistry(sugar),
		Detector: anomaly.NewDetector(anomaly.Config{
			FailureRateThreshold:  cfg.Anomaly.FailureRateThreshold,
			RequestRateThreshold:  cfg.Anomaly.RequestRateThreshold,
			HistoryCapacity:       cfg.Anomaly.HistoryCapacity,
			AnalysisInterval:      cfg.Anomaly.AnalysisInterval,
			TimingUniformityRatio: cfg.Anomaly.TimingUniformityRatio,
		}, sugar),
	}
}

// CleanupSession tears a session down across all three components, the
// engine-wide counterpart of the auth layer's logout/expiry callback.
func (e *Engine) CleanupSession(sessionID string) {
	e.Tokens.CleanupSession(sessionID)
	e.Devices.CleanupSession(sessionID)
	e.Detector.ClearSession(sessionID)
}

// Close stops background work owned by the engine.
func (e *Engine) Close() {
	e.Tokens.Close()
}
