package internal

import (
	"sync/atomic"
)

type Metrics struct {
	signups              atomic.Uint64
	logins               atomic.Uint64
	activeConns          atomic.Int64
	handshakesRejected   atomic.Uint64
	messagesSent         atomic.Uint64
	notificationFailures atomic.Uint64
	broadcastFailures    atomic.Uint64
	dropped              atomic.Uint64
}

func NewMetrics() *Metrics {
	return &Metrics{}
}

func (m *Metrics) IncSignup() {
	m.signups.Add(1)
}

func (m *Metrics) IncLogin() {
	m.logins.Add(1)
}

func (m *Metrics) IncConn() {
	m.activeConns.Add(1)
}

func (m *Metrics) DecConn() {
	m.activeConns.Add(-1)
}

func (m *Metrics) IncHandshakeRejected() {
	m.handshakesRejected.Add(1)
}

func (m *Metrics) IncMessageSent() {
	m.messagesSent.Add(1)
}

func (m *Metrics) IncNotificationFailure() {
	m.notificationFailures.Add(1)
}

func (m *Metrics) IncBroadcastFailure() {
	m.broadcastFailures.Add(1)
}

// IncDropped counts fan-out deliveries skipped because the socket was not writable.
func (m *Metrics) IncDropped() {
	m.dropped.Add(1)
}

// Snapshot returns the counters keyed by their exported names.
func (m *Metrics) Snapshot() map[string]any {
	return map[string]any{
		"signups_total":               m.signups.Load(),
		"logins_total":                m.logins.Load(),
		"active_connections":          m.activeConns.Load(),
		"handshakes_rejected_total":   m.handshakesRejected.Load(),
		"messages_sent_total":         m.messagesSent.Load(),
		"notification_failures_total": m.notificationFailures.Load(),
		"broadcast_failures_total":    m.broadcastFailures.Load(),
		"deliveries_dropped_total":    m.dropped.Load(),
	}
}
