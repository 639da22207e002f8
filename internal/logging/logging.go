// Package logging builds the zap logger shared by the cmd package and
// the proxy engine, so every component logs in the same structured
// style instead of each rolling its own.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap logger: JSON at info level by default, or
// console-friendly at debug level when debug is true.
func New(debug bool) (*zap.Logger, error) {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return cfg.Build()
}

// Sugared is a convenience wrapper for callers that want the
// ergonomic SugaredLogger instead of zap's strongly typed one.
func Sugared(debug bool) (*zap.SugaredLogger, error) {
	l, err := New(debug)
	if err != nil {
		return nil, err
	}
	return l.Sugar(), nil
}
