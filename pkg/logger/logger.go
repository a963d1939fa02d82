// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package logger builds the zap loggers shared by the broker, the client and
// the command line tools.
package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config describes how the root logger is built.
// Level is one of "debug", "info", "warn", "error" (default "info").
// DevMode switches from JSON to human readable console output.
type Config struct {
	Level   string `yaml:"level" json:"level" mapstructure:"level"`
	DevMode bool   `yaml:"dev_mode" json:"dev_mode" mapstructure:"dev_mode"`
}

func (c *Config) applyDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
}

// Validate reports whether the configured level is known to zap.
func (c Config) Validate() error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(c.Level)); err != nil {
		return fmt.Errorf("logger: invalid level %q: %w", c.Level, err)
	}
	return nil
}

// New creates a root logger from cfg.
func New(cfg Config) (*zap.Logger, error) {
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	zapCfg := buildZapConfig(cfg.DevMode)
	var lvl zapcore.Level
	_ = lvl.UnmarshalText([]byte(cfg.Level))
	zapCfg.Level = zap.NewAtomicLevelAt(lvl)

	zl, err := zapCfg.Build()
	if err != nil {
		return nil, fmt.Errorf("logger: build zap: %w", err)
	}
	return zl, nil
}

// Must is like New but panics on error. It is meant for main packages.
func Must(cfg Config) *zap.Logger {
	l, err := New(cfg)
	if err != nil {
		panic(err)
	}
	return l
}

// Nop returns a logger that discards everything.
func Nop() *zap.Logger {
	return zap.NewNop()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

func buildZapConfig(dev bool) zap.Config {
	if dev {
		cfg := zap.NewDevelopmentConfig()
		ec := &cfg.EncoderConfig
		ec.TimeKey = "ts"
		ec.EncodeTime = zapcore.ISO8601TimeEncoder
		ec.CallerKey = "caller"
		ec.EncodeCaller = zapcore.ShortCallerEncoder
		return cfg
	}

	prod := zap.NewProductionConfig()
	prod.Sampling = &zap.SamplingConfig{Initial: 100, Thereafter: 100}

	ec := &prod.EncoderConfig
	ec.TimeKey = "ts"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	ec.CallerKey = "caller"
	ec.EncodeCaller = zapcore.ShortCallerEncoder
	ec.StacktraceKey = "stacktrace"
	return prod
}
