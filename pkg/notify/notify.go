// Package notify provides the conductor's notification-bus abstraction:
// the power action engine (§4.3) and lifecycle handlers emit START/END/
// ERROR events through an Emitter rather than calling a concrete transport,
// since the real bus is out of scope here.
package notify

import (
	"github.com/cuemby/conductor/pkg/log"
	"github.com/cuemby/conductor/pkg/metrics"
)

// Level is the notification severity, matching the START/INFO/END/ERROR
// vocabulary used throughout §4.
type Level string

const (
	LevelStart Level = "start"
	LevelInfo  Level = "info"
	LevelEnd   Level = "end"
	LevelError Level = "error"
)

// Event is one notification-bus message.
type Event struct {
	Type    string // e.g. "power_set"
	Level   Level
	NodeID  string
	Message string
}

// Emitter is the notification-bus collaborator.
type Emitter interface {
	Emit(e Event)
}

// LoggingEmitter logs every event at a severity matching its Level and
// increments a per-level Prometheus counter. It is the default Emitter
// for single-process deployments.
type LoggingEmitter struct{}

func (LoggingEmitter) Emit(e Event) {
	logger := log.WithComponent("notify").With().
		Str("node_id", e.NodeID).
		Str("event_type", e.Type).
		Logger()

	switch e.Level {
	case LevelError:
		logger.Error().Msg(e.Message)
	case LevelStart, LevelEnd:
		logger.Info().Msg(e.Message)
	default:
		logger.Info().Msg(e.Message)
	}

	metrics.NotificationsEmittedTotal.WithLabelValues(string(e.Level)).Inc()
}
