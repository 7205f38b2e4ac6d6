package queue

import (
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
)

// Logger adapts a zerolog.Logger to asynq.Logger.
type Logger struct {
	log zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{log: logger}
}

func (l *Logger) Debug(args ...interface{}) { l.log.Debug().Msg(fmt.Sprint(args...)) }
func (l *Logger) Info(args ...interface{})  { l.log.Info().Msg(fmt.Sprint(args...)) }
func (l *Logger) Warn(args ...interface{})  { l.log.Warn().Msg(fmt.Sprint(args...)) }
func (l *Logger) Error(args ...interface{}) { l.log.Error().Msg(fmt.Sprint(args...)) }

// Fatal logs at fatal level. zerolog exits the process after writing.
func (l *Logger) Fatal(args ...interface{}) { l.log.Fatal().Msg(fmt.Sprint(args...)) }

// LevelFor maps a zerolog level onto the closest asynq level.
func LevelFor(level zerolog.Level) asynq.LogLevel {
	switch {
	case level <= zerolog.DebugLevel:
		return asynq.DebugLevel
	case level == zerolog.InfoLevel:
		return asynq.InfoLevel
	case level == zerolog.WarnLevel:
		return asynq.WarnLevel
	case level == zerolog.ErrorLevel:
		return asynq.ErrorLevel
	default:
		return asynq.FatalLevel
	}
}
