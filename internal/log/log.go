// Package log is a contextual, leveled logger modeled on klaytn's own log
// package: callers get a named Logger via New/NewModuleLogger and attach
// key-value context to every call site, e.g.
//
//	logger := log.NewModuleLogger(log.DHT)
//	logger.Debug("table.add rejected peer", "id", id, "reason", "full")
//
// Structured encoding is handled by zap; call-site capture for Error/Crit
// uses go-stack so panics and hard failures always carry a frame, and the
// terminal writer goes through go-colorable; level names are colour-coded
// whether or not stderr is a TTY.
package log

import (
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/go-stack/stack"
	"github.com/mattn/go-colorable"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Module names used as the "module" context key, mirroring klaytn's
// log.NewModuleLogger(log.XXX) convention.
const (
	ID         = "id"
	KBucket    = "kbucket"
	Routing    = "routing"
	Peer       = "peer"
	Transport  = "transport"
	Identity   = "identity"
	Bootstrap  = "bootstrap"
	DHT        = "dht"
	PubSub     = "pubsub"
	Store      = "store"
	Cmd        = "cmd"
)

// Logger is the contextual logging interface every component depends on.
type Logger interface {
	Trace(msg string, ctx ...interface{})
	Debug(msg string, ctx ...interface{})
	Info(msg string, ctx ...interface{})
	Warn(msg string, ctx ...interface{})
	Error(msg string, ctx ...interface{})
	Crit(msg string, ctx ...interface{})
	NewWith(ctx ...interface{}) Logger
}

var (
	baseOnce sync.Once
	base     *zap.Logger
	verbose  int32 // atomic; 0=info, 1=debug, 2=trace
)

func rootLogger() *zap.Logger {
	baseOnce.Do(func() {
		enc := zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
			TimeKey:        "t",
			LevelKey:       "lvl",
			MessageKey:     "msg",
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
		})
		writer := zapcore.AddSync(colorable.NewColorable(os.Stderr))
		core := zapcore.NewCore(enc, writer, zapcore.DebugLevel)
		base = zap.New(core)
	})
	return base
}

// SetVerbosity sets the minimum emitted level: 0=info, 1=debug, 2=trace.
func SetVerbosity(level int) { atomic.StoreInt32(&verbose, int32(level)) }

type logger struct {
	name string
	ctx  []interface{}
}

// New creates a Logger tagged with ctx key/value pairs, e.g. New("database", path).
func New(ctx ...interface{}) Logger {
	return &logger{ctx: ctx}
}

// NewModuleLogger creates a Logger tagged with module=name.
func NewModuleLogger(module string) Logger {
	return &logger{name: module, ctx: []interface{}{"module", module}}
}

func (l *logger) NewWith(ctx ...interface{}) Logger {
	merged := make([]interface{}, 0, len(l.ctx)+len(ctx))
	merged = append(merged, l.ctx...)
	merged = append(merged, ctx...)
	return &logger{name: l.name, ctx: merged}
}

func fields(ctx []interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(ctx)/2)
	for i := 0; i+1 < len(ctx); i += 2 {
		key, ok := ctx[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", ctx[i])
		}
		out = append(out, zap.Any(key, ctx[i+1]))
	}
	return out
}

func (l *logger) Trace(msg string, ctx ...interface{}) {
	if atomic.LoadInt32(&verbose) < 2 {
		return
	}
	rootLogger().Debug(msg, fields(append(l.ctx, ctx...))...)
}

func (l *logger) Debug(msg string, ctx ...interface{}) {
	if atomic.LoadInt32(&verbose) < 1 {
		return
	}
	rootLogger().Debug(msg, fields(append(l.ctx, ctx...))...)
}

func (l *logger) Info(msg string, ctx ...interface{}) {
	rootLogger().Info(msg, fields(append(l.ctx, ctx...))...)
}

func (l *logger) Warn(msg string, ctx ...interface{}) {
	rootLogger().Warn(msg, fields(append(l.ctx, ctx...))...)
}

func (l *logger) Error(msg string, ctx ...interface{}) {
	c := append(l.ctx, ctx...)
	c = append(c, "at", callsite())
	rootLogger().Error(msg, fields(c)...)
}

func (l *logger) Crit(msg string, ctx ...interface{}) {
	c := append(l.ctx, ctx...)
	c = append(c, "at", callsite())
	rootLogger().Error(msg, fields(c)...)
}

// callsite returns the first frame outside this package, for Error/Crit.
func callsite() string {
	trace := stack.Trace().TrimRuntime()
	// trace[0] is callsite itself and trace[1] is Error or Crit.
	if len(trace) > 2 {
		return fmt.Sprintf("%+v", trace[2])
	}
	return "unknown"
}
