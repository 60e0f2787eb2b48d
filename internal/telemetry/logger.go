// Package telemetry builds the process-wide logger and metrics registry
// shared by every component of the write-consistency core.
package telemetry

import (
	"fmt"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// EnvRuntime selects the zap config profile: "prod" for a production
// JSON encoder at info level, anything else for a development encoder
// at debug level.
const EnvRuntime = "WRITECOORD_RUNTIME"

// IsProdRuntime reports whether WRITECOORD_RUNTIME=prod.
func IsProdRuntime() bool {
	val, ok := os.LookupEnv(EnvRuntime)
	if !ok {
		return false
	}
	return strings.EqualFold(val, "prod")
}

// BuildZapLogger constructs a zap.Logger tuned for the runtime profile.
func BuildZapLogger() (*zap.Logger, error) {
	var cfg zap.Config
	if IsProdRuntime() {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

// NewLogger returns a logr.Logger backed by zap, with a "component" name
// attached so log lines can be attributed to the emitting subsystem.
func NewLogger(component string) logr.Logger {
	zapLogger, err := BuildZapLogger()
	if err != nil {
		panic(fmt.Sprintf("telemetry: failed to build zap logger: %v", err))
	}
	return zapr.NewLogger(zapLogger).WithName(component)
}
