// Package logging sets up the structured zap logger shared by all hades
// binaries, in the style of bg/cl_common/daemonutils.SetupLogs: a
// package-level global plus dev/prod presets selected by a flag, minus the
// Stackdriver export half of that helper (this node agent is site-local, not
// cloud-hosted).
package logging

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Type selects the logging style.
type Type string

// Recognized logging styles, matching daemonutils' logType enum.
const (
	Auto Type = ""
	Dev  Type = "dev"
	Prod Type = "prod"
)

// Set implements pflag.Value / flag.Value so Type can be used directly as a
// CLI flag.
func (t *Type) Set(s string) error {
	switch strings.ToLower(s) {
	case "", "auto":
		*t = Auto
	case "dev", "development":
		*t = Dev
	case "prod", "production":
		*t = Prod
	default:
		return fmt.Errorf("unknown log type %q, try [dev|prod]", s)
	}
	return nil
}

func (t *Type) String() string { return string(*t) }

// Type implements pflag.Value.
func (t *Type) Type() string { return "logtype" }

var (
	mu       sync.Mutex
	global   *zap.Logger
	sugared  *zap.SugaredLogger
	levelVar = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Setup builds the process-wide logger. kind selects encoder/sampling; level
// sets the initial severity threshold and can be changed later via
// SetLevel. It mirrors daemonutils.SetupLogs' dev/prod split.
func Setup(kind Type, level zapcore.Level) (*zap.Logger, *zap.SugaredLogger) {
	mu.Lock()
	defer mu.Unlock()

	levelVar.SetLevel(level)

	var cfg zap.Config
	switch kind {
	case Dev:
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = levelVar

	l, err := cfg.Build()
	if err != nil {
		// Logging setup failing is fatal: there is no lower-level
		// channel to report it through.
		panic(fmt.Sprintf("logging: failed to build logger: %v", err))
	}

	global = l
	sugared = l.Sugar()
	return global, sugared
}

// L returns the process-wide structured logger, creating a default
// production-style one if Setup hasn't run yet.
func L() *zap.Logger {
	mu.Lock()
	defer mu.Unlock()
	if global == nil {
		mu.Unlock()
		Setup(Auto, zap.InfoLevel)
		mu.Lock()
	}
	return global
}

// S returns the process-wide sugared logger.
func S() *zap.SugaredLogger {
	L()
	return sugared
}

// SetLevel adjusts the active logger's severity threshold at runtime.
func SetLevel(level zapcore.Level) {
	levelVar.SetLevel(level)
}

// Named returns a child logger tagged with a component name, the zap
// equivalent of the teacher's Logger.WithComponent helper.
func Named(component string) *zap.Logger {
	return L().Named(component)
}
