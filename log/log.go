// High level log wrapper, so it can output different log based on level.
//
// There are five levels in total: FATAL, ERROR, WARNING, INFO, DEBUG.
// The default log output level is INFO, you can change it by:
// - call log.SetLevel()
// - set environment variable `LOG_LEVEL`
//
// Records are encoded by zap. Output goes to stderr unless InitFile redirects it
// to a size-rotated file.

package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type LogLevel int

const (
	LOG_LEVEL_NONE LogLevel = iota
	LOG_LEVEL_FATAL
	LOG_LEVEL_ERROR
	LOG_LEVEL_WARN
	LOG_LEVEL_INFO
	LOG_LEVEL_DEBUG
	LOG_LEVEL_ALL = LOG_LEVEL_DEBUG
)

var _log = New()

func SetLevel(level LogLevel) {
	_log.SetLevel(level)
}

func GetLogLevel() LogLevel {
	return _log.level
}

func SetLevelByString(level string) {
	_log.SetLevelByString(level)
}

// SetOutput replaces the global logger's sink, keeping its level.
func SetOutput(w io.Writer) {
	level := _log.level
	_log = NewLogger(w)
	_log.SetLevel(level)
}

// InitFile sends all further output to path, rotating once the file reaches maxSizeMB.
func InitFile(path string, maxSizeMB int) {
	SetOutput(&lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
	})
}

// Sync flushes any buffered records.
func Sync() error {
	return _log.sugar.Sync()
}

func Info(v ...interface{}) {
	_log.Info(v...)
}

func Infof(format string, v ...interface{}) {
	_log.Infof(format, v...)
}

func Panic(v ...interface{}) {
	_log.Panic(v...)
}

func Panicf(format string, v ...interface{}) {
	_log.Panicf(format, v...)
}

func Debug(v ...interface{}) {
	_log.Debug(v...)
}

func Debugf(format string, v ...interface{}) {
	_log.Debugf(format, v...)
}

func Warn(v ...interface{}) {
	_log.Warning(v...)
}

func Warnf(format string, v ...interface{}) {
	_log.Warningf(format, v...)
}

func Warning(v ...interface{}) {
	_log.Warning(v...)
}

func Warningf(format string, v ...interface{}) {
	_log.Warningf(format, v...)
}

func Error(v ...interface{}) {
	_log.Error(v...)
}

func Errorf(format string, v ...interface{}) {
	_log.Errorf(format, v...)
}

func Fatal(v ...interface{}) {
	_log.Fatal(v...)
}

func Fatalf(format string, v ...interface{}) {
	_log.Fatalf(format, v...)
}

type Logger struct {
	sugar *zap.SugaredLogger
	atom  zap.AtomicLevel
	level LogLevel
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
	l.atom.SetLevel(toZapLevel(level))
}

func (l *Logger) SetLevelByString(level string) {
	l.SetLevel(StringToLogLevel(level))
}

func (l *Logger) Fatal(v ...interface{}) {
	l.sugar.Fatal(v...)
}

func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.sugar.Fatalf(format, v...)
}

func (l *Logger) Panic(v ...interface{}) {
	l.sugar.Panic(v...)
}

func (l *Logger) Panicf(format string, v ...interface{}) {
	l.sugar.Panicf(format, v...)
}

func (l *Logger) Error(v ...interface{}) {
	l.sugar.Error(v...)
}

func (l *Logger) Errorf(format string, v ...interface{}) {
	l.sugar.Errorf(format, v...)
}

func (l *Logger) Warning(v ...interface{}) {
	l.sugar.Warn(v...)
}

func (l *Logger) Warningf(format string, v ...interface{}) {
	l.sugar.Warnf(format, v...)
}

func (l *Logger) Debug(v ...interface{}) {
	l.sugar.Debug(v...)
}

func (l *Logger) Debugf(format string, v ...interface{}) {
	l.sugar.Debugf(format, v...)
}

func (l *Logger) Info(v ...interface{}) {
	l.sugar.Info(v...)
}

func (l *Logger) Infof(format string, v ...interface{}) {
	l.sugar.Infof(format, v...)
}

func StringToLogLevel(level string) LogLevel {
	switch level {
	case "fatal":
		return LOG_LEVEL_FATAL
	case "error":
		return LOG_LEVEL_ERROR
	case "warn":
		return LOG_LEVEL_WARN
	case "warning":
		return LOG_LEVEL_WARN
	case "debug":
		return LOG_LEVEL_DEBUG
	case "info":
		return LOG_LEVEL_INFO
	}
	return LOG_LEVEL_ALL
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LOG_LEVEL_NONE, LOG_LEVEL_FATAL:
		return zapcore.FatalLevel
	case LOG_LEVEL_ERROR:
		return zapcore.ErrorLevel
	case LOG_LEVEL_WARN:
		return zapcore.WarnLevel
	case LOG_LEVEL_INFO:
		return zapcore.InfoLevel
	}
	return zapcore.DebugLevel
}

func New() *Logger {
	return NewLogger(os.Stderr)
}

func NewLogger(w io.Writer) *Logger {
	level := LOG_LEVEL_INFO
	if l := os.Getenv("LOG_LEVEL"); len(l) != 0 {
		level = StringToLogLevel(l)
	}
	atom := zap.NewAtomicLevelAt(toZapLevel(level))
	encCfg := zap.NewDevelopmentEncoderConfig()
	encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encCfg), zapcore.Lock(zapcore.AddSync(w)), atom)
	// Skip the package-level wrapper and the Logger method.
	logger := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2))
	return &Logger{sugar: logger.Sugar(), atom: atom, level: level}
}
