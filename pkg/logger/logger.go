// Copyright 2025 UMH Systems GmbH
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

package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var initOnce sync.Once

// Initialize installs the global zap logger. The level is taken from the
// LOGGING_LEVEL environment variable (DEBUG, INFO, WARN, ERROR), PRODUCTION
// selects JSON output. Calling it more than once has no effect.
func Initialize() {
	initOnce.Do(func() {
		level := zapcore.InfoLevel
		if lvl, ok := os.LookupEnv("LOGGING_LEVEL"); ok {
			if err := level.UnmarshalText([]byte(strings.ToLower(lvl))); err != nil {
				level = zapcore.InfoLevel
			}
		}

		cfg := zap.NewDevelopmentConfig()
		if os.Getenv("PRODUCTION") == "true" {
			cfg = zap.NewProductionConfig()
		}
		cfg.Level = zap.NewAtomicLevelAt(level)

		l, err := cfg.Build()
		if err != nil {
			l = zap.NewNop()
		}
		zap.ReplaceGlobals(l)
	})
}

// For returns a logger for the given component. Initialize is called on first
// use so that library code can log without a host having set anything up.
func For(component string) *zap.SugaredLogger {
	Initialize()
	return zap.S().Named(component)
}
