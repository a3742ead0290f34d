// Package infrastructure provides reusable infrastructure components for Go applications.
package infrastructure

import (
	"fmt"
	"strings"

	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

// FxLoggerAdapter routes Fx framework events through a zap.Logger so the
// dependency graph and lifecycle hooks log in the same format as the rest
// of the application.
type FxLoggerAdapter struct {
	logger *zap.Logger
}

// NewFxLoggerAdapter creates an fxevent.Logger backed by the given zap logger.
func NewFxLoggerAdapter(logger *zap.Logger) fxevent.Logger {
	return &FxLoggerAdapter{logger: logger}
}

// LogEvent implements fxevent.Logger.
func (a *FxLoggerAdapter) LogEvent(event fxevent.Event) {
	switch e := event.(type) {
	case *fxevent.OnStartExecuting:
		a.logger.Debug("Lifecycle OnStart executing",
			zap.String("callee", e.FunctionName),
			zap.String("caller", e.CallerName))
	case *fxevent.OnStartExecuted:
		a.hookResult("OnStart", e.FunctionName, e.CallerName, e.Runtime.String(), e.Err)
	case *fxevent.OnStopExecuting:
		a.logger.Debug("Lifecycle OnStop executing",
			zap.String("callee", e.FunctionName),
			zap.String("caller", e.CallerName))
	case *fxevent.OnStopExecuted:
		a.hookResult("OnStop", e.FunctionName, e.CallerName, e.Runtime.String(), e.Err)
	case *fxevent.Supplied:
		if e.Err != nil {
			a.logger.Error("Supply failed", zap.String("type", e.TypeName), zap.Error(e.Err))
		} else {
			a.logger.Debug("Supplied", zap.String("type", e.TypeName))
		}
	case *fxevent.Provided:
		if e.Err != nil {
			a.logger.Error("Provide failed",
				zap.String("constructor", e.ConstructorName),
				zap.Error(e.Err))
		} else {
			a.logger.Debug("Provided",
				zap.String("constructor", e.ConstructorName),
				zap.String("types", strings.Join(e.OutputTypeNames, ", ")))
		}
	case *fxevent.Invoking:
		a.logger.Debug("Invoking", zap.String("function", e.FunctionName))
	case *fxevent.Invoked:
		if e.Err != nil {
			a.logger.Error("Invoke failed",
				zap.String("function", e.FunctionName),
				zap.Error(e.Err))
		}
	case *fxevent.Started:
		if e.Err != nil {
			a.logger.Error("Application start failed", zap.Error(e.Err))
		} else {
			a.logger.Info("Application started")
		}
	case *fxevent.Stopping:
		a.logger.Info("Application stopping", zap.String("signal", strings.ToUpper(e.Signal.String())))
	case *fxevent.Stopped:
		if e.Err != nil {
			a.logger.Error("Application stop failed", zap.Error(e.Err))
		}
	case *fxevent.RollingBack:
		a.logger.Error("Start failed, rolling back", zap.Error(e.StartErr))
	case *fxevent.RolledBack:
		if e.Err != nil {
			a.logger.Error("Rollback failed", zap.Error(e.Err))
		}
	case *fxevent.LoggerInitialized:
		if e.Err != nil {
			a.logger.Error("Fx logger initialization failed", zap.Error(e.Err))
		} else {
			a.logger.Debug("Fx logger initialized", zap.String("constructor", e.ConstructorName))
		}
	default:
		a.logger.Debug("Unhandled Fx event", zap.String("type", fmt.Sprintf("%T", event)))
	}
}

func (a *FxLoggerAdapter) hookResult(hook, callee, caller, runtime string, err error) {
	if err != nil {
		a.logger.Error("Lifecycle hook failed",
			zap.String("hook", hook),
			zap.String("callee", callee),
			zap.String("caller", caller),
			zap.Error(err))

		return
	}

	a.logger.Debug("Lifecycle hook executed",
		zap.String("hook", hook),
		zap.String("callee", callee),
		zap.String("caller", caller),
		zap.String("runtime", runtime))
}
