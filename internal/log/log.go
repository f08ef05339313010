package log

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Field = zapcore.Field

// LogCfg is the logging section of faultdesk.yml.
type LogCfg struct {
	FilePath    string `yaml:"file_path" mapstructure:"file_path"`
	Level       string `yaml:"level" mapstructure:"level"`
	MaxSize     int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxAge      int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	MaxBackups  int    `yaml:"max_backups" mapstructure:"max_backups"`
	Compress    bool   `yaml:"compress" mapstructure:"compress"`
	Development bool   `yaml:"development" mapstructure:"development"` // mirror to stdout, dev stack traces
}

type Logger interface {
	Debugf(msg string, v ...interface{})
	Debugw(msg string, keysAndVals ...interface{})

	Info(msg string, fields ...Field)
	Infof(msg string, v ...interface{})
	Infow(msg string, keysAndVals ...interface{})

	Warnf(msg string, v ...interface{})
	Warnw(msg string, keysAndVals ...interface{})

	Error(msg string, fields ...Field)
	Errorf(msg string, v ...interface{})
	Errorw(msg string, keysAndVals ...interface{})

	Sync() error
}

type Options struct {
	Name        string
	FilePath    string
	Level       string
	MaxSize     int
	MaxBackups  int
	MaxAge      int
	Compress    bool
	AddCaller   bool
	Development bool
}

type zapLogger struct {
	logger *zap.Logger
}

var defaultLogger Logger = NewLogger(Options{Name: "default", Level: "info"})

func InitLogger(cfg LogCfg) {
	defaultLogger = NewLogger(Options{
		Name:        "faultdesk",
		FilePath:    cfg.FilePath,
		Level:       cfg.Level,
		MaxSize:     cfg.MaxSize,
		MaxBackups:  cfg.MaxBackups,
		MaxAge:      cfg.MaxAge,
		Compress:    cfg.Compress,
		Development: cfg.Development,
	})
}

// Default returns the process-wide logger set by InitLogger.
func Default() Logger {
	return defaultLogger
}

func NewLogger(opts Options) Logger {
	encoderConfig := zapcore.EncoderConfig{
		MessageKey:     "msg",
		LevelKey:       "level",
		TimeKey:        "time",
		NameKey:        "logger",
		CallerKey:      "linenum",
		FunctionKey:    "function",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
		EncodeName:     zapcore.FullNameEncoder,
	}
	var writeSyncers []zapcore.WriteSyncer
	if opts.FilePath != "" {
		writeSyncers = append(writeSyncers, zapcore.AddSync(&lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSize,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAge,
			Compress:   opts.Compress,
		}))
		if opts.Development {
			writeSyncers = append(writeSyncers, zapcore.AddSync(os.Stdout))
		}
	} else {
		writeSyncers = append(writeSyncers, zapcore.AddSync(os.Stderr))
	}
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(opts.Level)); err != nil {
		zapLevel = zapcore.InfoLevel
	}
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.NewMultiWriteSyncer(writeSyncers...), zap.NewAtomicLevelAt(zapLevel))
	l := zap.New(core)
	if opts.Name != "" {
		l = l.Named(opts.Name)
	}
	if opts.Development {
		l = l.WithOptions(zap.Development())
	}
	if opts.AddCaller {
		l = l.WithOptions(zap.AddCaller())
	}
	return &zapLogger{logger: l}
}

// NewNop returns a logger that discards everything.
func NewNop() Logger {
	return &zapLogger{logger: zap.NewNop()}
}

func Debugf(msg string, v ...interface{}) {
	defaultLogger.Debugf(msg, v...)
}

func Info(msg string, fields ...Field) {
	defaultLogger.Info(msg, fields...)
}
func Infof(msg string, v ...interface{}) {
	defaultLogger.Infof(msg, v...)
}
func Infow(msg string, keysAndVals ...interface{}) {
	defaultLogger.Infow(msg, keysAndVals...)
}

func Warnf(msg string, v ...interface{}) {
	defaultLogger.Warnf(msg, v...)
}
func Warnw(msg string, keysAndVals ...interface{}) {
	defaultLogger.Warnw(msg, keysAndVals...)
}

func Error(msg string, fields ...Field) {
	defaultLogger.Error(msg, fields...)
}
func Errorf(msg string, v ...interface{}) {
	defaultLogger.Errorf(msg, v...)
}
func Errorw(msg string, keysAndVals ...interface{}) {
	defaultLogger.Errorw(msg, keysAndVals...)
}

func Sync() error {
	return defaultLogger.Sync()
}

func (z zapLogger) Debugf(msg string, v ...interface{}) {
	z.logger.Sugar().Debugf(msg, v...)
}

func (z zapLogger) Debugw(msg string, keysAndVals ...interface{}) {
	z.logger.Sugar().Debugw(msg, keysAndVals...)
}

func (z zapLogger) Info(msg string, fields ...Field) {
	z.logger.Info(msg, fields...)
}

func (z zapLogger) Infof(msg string, v ...interface{}) {
	z.logger.Sugar().Infof(msg, v...)
}

func (z zapLogger) Infow(msg string, keysAndVals ...interface{}) {
	z.logger.Sugar().Infow(msg, keysAndVals...)
}

func (z zapLogger) Warnf(msg string, v ...interface{}) {
	z.logger.Sugar().Warnf(msg, v...)
}

func (z zapLogger) Warnw(msg string, keysAndVals ...interface{}) {
	z.logger.Sugar().Warnw(msg, keysAndVals...)
}

func (z zapLogger) Error(msg string, fields ...Field) {
	z.logger.Error(msg, fields...)
}

func (z zapLogger) Errorf(msg string, v ...interface{}) {
	z.logger.Sugar().Errorf(msg, v...)
}

func (z zapLogger) Errorw(msg string, keysAndVals ...interface{}) {
	z.logger.Sugar().Errorw(msg, keysAndVals...)
}

func (z zapLogger) Sync() error {
	return z.logger.Sync()
}
