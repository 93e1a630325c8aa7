package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarn     Severity = "warn"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// Audit - журнал событий расчета и сверки.
// У zap нет уровня critical, такие записи пишутся как error с severity=critical.
type Audit struct {
	zaplog *zap.Logger
}

func NewAudit(zaplog *zap.Logger) *Audit {
	return &Audit{zaplog: zaplog.Named("audit")}
}

func (a *Audit) Log(severity Severity, component string, message string, context map[string]any) {
	fields := make([]zap.Field, 0, len(context)+2)
	fields = append(fields,
		zap.String("severity", string(severity)),
		zap.String("component", component))
	for k, v := range context {
		fields = append(fields, zap.Any(k, v))
	}

	if ce := a.zaplog.Check(severity.level(), message); ce != nil {
		ce.Write(fields...)
	}
}

func (a *Audit) Warn(component string, message string, context map[string]any) {
	a.Log(SeverityWarn, component, message, context)
}

func (a *Audit) Error(component string, message string, context map[string]any) {
	a.Log(SeverityError, component, message, context)
}

func (a *Audit) Critical(component string, message string, context map[string]any) {
	a.Log(SeverityCritical, component, message, context)
}

func (s Severity) level() zapcore.Level {
	switch s {
	case SeverityDebug:
		return zapcore.DebugLevel
	case SeverityInfo:
		return zapcore.InfoLevel
	case SeverityWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}
