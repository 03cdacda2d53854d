package main

import (
	"time"

	"github.com/parley-ai/parley/internal/buildinfo"
	"github.com/parley-ai/parley/internal/cancel"
	"github.com/parley-ai/parley/internal/disconnect"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/mic"
	"github.com/parley-ai/parley/internal/reconnect"
	"github.com/parley-ai/parley/internal/session"
)

// mqttStats adapts the coordinators to the MQTT publisher's reading
// interface. Every method returns a point-in-time snapshot; the
// publisher polls on its own cadence.
type mqttStats struct {
	monitor  *health.Monitor
	detector *disconnect.Detector
	engine   *reconnect.Engine // nil when the speech service is not configured
	cancels  *cancel.Coordinator
	mic      *mic.Machine
	sessions *session.Clock
}

func (s *mqttStats) Uptime() time.Duration { return buildinfo.Uptime() }

func (s *mqttStats) Version() string { return buildinfo.Version }

func (s *mqttStats) HealthLevel() string { return string(s.monitor.Current()) }

func (s *mqttStats) DisconnectReason() string {
	reason, ok := s.detector.Current()
	if !ok {
		return ""
	}
	return string(reason)
}

func (s *mqttStats) ReconnectCount() int {
	if s.engine == nil {
		return 0
	}
	return s.engine.Count()
}

func (s *mqttStats) CancelState() string {
	snap := s.cancels.Snapshot()
	switch {
	case snap.IsCancelling:
		return "cancelling"
	case snap.IsActive:
		return "active"
	default:
		return "idle"
	}
}

func (s *mqttStats) MicState() string { return string(s.mic.State()) }

func (s *mqttStats) SessionAge() time.Duration { return s.sessions.Age() }
