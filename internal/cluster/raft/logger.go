package raft

import (
	"fmt"
	"io"
	"log"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/zerolog"
)

// hclogAdapter routes hashicorp/raft's hclog output into zerolog so raft
// internals share the process log format and buffer.
type hclogAdapter struct {
	log     zerolog.Logger
	name    string
	implied []interface{}
}

func newZerologAdapter(logger zerolog.Logger, name string) hclog.Logger {
	return &hclogAdapter{
		log:  logger.With().Str("subsystem", name).Logger(),
		name: name,
	}
}

func toZerologLevel(level hclog.Level) zerolog.Level {
	switch level {
	case hclog.Trace:
		return zerolog.TraceLevel
	case hclog.Debug:
		return zerolog.DebugLevel
	case hclog.Warn:
		return zerolog.WarnLevel
	case hclog.Error:
		return zerolog.ErrorLevel
	case hclog.Off:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func (a *hclogAdapter) Log(level hclog.Level, msg string, args ...interface{}) {
	a.log.WithLevel(toZerologLevel(level)).Fields(pairs(args)).Msg(msg)
}

func (a *hclogAdapter) Trace(msg string, args ...interface{}) { a.Log(hclog.Trace, msg, args...) }
func (a *hclogAdapter) Debug(msg string, args ...interface{}) { a.Log(hclog.Debug, msg, args...) }
func (a *hclogAdapter) Info(msg string, args ...interface{})  { a.Log(hclog.Info, msg, args...) }
func (a *hclogAdapter) Warn(msg string, args ...interface{})  { a.Log(hclog.Warn, msg, args...) }
func (a *hclogAdapter) Error(msg string, args ...interface{}) { a.Log(hclog.Error, msg, args...) }

func (a *hclogAdapter) enabled(level zerolog.Level) bool {
	return a.log.GetLevel() <= level && zerolog.GlobalLevel() <= level
}

func (a *hclogAdapter) IsTrace() bool { return a.enabled(zerolog.TraceLevel) }
func (a *hclogAdapter) IsDebug() bool { return a.enabled(zerolog.DebugLevel) }
func (a *hclogAdapter) IsInfo() bool  { return a.enabled(zerolog.InfoLevel) }
func (a *hclogAdapter) IsWarn() bool  { return a.enabled(zerolog.WarnLevel) }
func (a *hclogAdapter) IsError() bool { return a.enabled(zerolog.ErrorLevel) }

func (a *hclogAdapter) ImpliedArgs() []interface{} { return a.implied }

func (a *hclogAdapter) With(args ...interface{}) hclog.Logger {
	return &hclogAdapter{
		log:     a.log.With().Fields(pairs(args)).Logger(),
		name:    a.name,
		implied: append(append([]interface{}{}, a.implied...), args...),
	}
}

func (a *hclogAdapter) Name() string { return a.name }

func (a *hclogAdapter) Named(name string) hclog.Logger {
	full := name
	if a.name != "" {
		full = a.name + "." + name
	}
	return a.ResetNamed(full)
}

func (a *hclogAdapter) ResetNamed(name string) hclog.Logger {
	return &hclogAdapter{
		log:     a.log.With().Str("subsystem", name).Logger(),
		name:    name,
		implied: a.implied,
	}
}

// SetLevel is ignored; the zerolog level set at startup applies.
func (a *hclogAdapter) SetLevel(hclog.Level) {}

func (a *hclogAdapter) GetLevel() hclog.Level {
	switch lvl := a.log.GetLevel(); {
	case lvl <= zerolog.TraceLevel:
		return hclog.Trace
	case lvl == zerolog.DebugLevel:
		return hclog.Debug
	case lvl == zerolog.WarnLevel:
		return hclog.Warn
	case lvl >= zerolog.ErrorLevel && lvl < zerolog.Disabled:
		return hclog.Error
	case lvl == zerolog.Disabled:
		return hclog.Off
	default:
		return hclog.Info
	}
}

func (a *hclogAdapter) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(a.StandardWriter(opts), "", 0)
}

func (a *hclogAdapter) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return a.log
}

// pairs turns hclog key/value arguments into zerolog fields. Non-string keys
// are formatted, and a dangling key is kept with a nil value.
func pairs(args []interface{}) map[string]interface{} {
	if len(args) == 0 {
		return nil
	}
	fields := make(map[string]interface{}, (len(args)+1)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprint(args[i])
		}
		var val interface{}
		if i+1 < len(args) {
			val = args[i+1]
		}
		if err, ok := val.(error); ok {
			val = err.Error()
		}
		fields[key] = val
	}
	return fields
}
