package usecase

import (
	"context"
	"log/slog"
	"sync"

	"github.com/user/trade-monitor/internal/domain"
	"github.com/user/trade-monitor/internal/pkg/config"
)

// The process-global emitter behind the convenience functions. It is not a
// hard singleton: code that needs isolation (tests, tools) constructs its
// own Emitter against another directory.
var (
	defaultMu      sync.Mutex
	defaultEmitter *Emitter
)

// Default returns the lazily initialized process-global emitter, creating
// it against the documented default paths on first use.
func Default() *Emitter {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	if defaultEmitter == nil {
		defaultEmitter = NewEmitter(config.Default(), slog.Default())
	}
	return defaultEmitter
}

// SetDefault replaces the process-global emitter. Pass the emitter your
// process constructed from real configuration before the bot starts
// emitting.
func SetDefault(e *Emitter) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultEmitter = e
}

// Info emits an info-level event on the default emitter.
func Info(kind domain.Kind, f domain.Fields) (int64, error) {
	return Default().Info(context.Background(), kind, f)
}

// Warn emits a warn-level event on the default emitter.
func Warn(kind domain.Kind, f domain.Fields) (int64, error) {
	return Default().Warn(context.Background(), kind, f)
}

// Error emits an error-level event on the default emitter.
func Error(kind domain.Kind, f domain.Fields) (int64, error) {
	return Default().Error(context.Background(), kind, f)
}
