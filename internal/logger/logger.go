package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

func Init(level string, pretty bool) {
	// Parse log level
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(lvl)

	var output io.Writer = os.Stdout
	if pretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Logger()
}

func Get() *zerolog.Logger {
	return &log
}

func WithComponent(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// WithRunner tags log lines with the runner's claim-owner identity.
func WithRunner(runnerID string) zerolog.Logger {
	return log.With().Str("runner_id", runnerID).Logger()
}

// WithProject tags log lines with a project identifier.
func WithProject(projectID string) zerolog.Logger {
	return log.With().Str("project_id", projectID).Logger()
}

// WithTask tags log lines with the (projectID, taskID) composite key that
// uniquely identifies in-flight work across the runner.
func WithTask(projectID, taskID string) zerolog.Logger {
	return log.With().Str("project_id", projectID).Str("task_id", taskID).Logger()
}

// Convenience methods
func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}

func Fatal() *zerolog.Event {
	return log.Fatal()
}
