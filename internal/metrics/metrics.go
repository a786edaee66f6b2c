package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/remoteops/sshlink/pkg/session"
)

const (
	DefaultTimeTicker = 5 * time.Second
)

// Manager exports gauges over the session manager and its correlation
// bridge, polled on a ticker.
type Manager struct {
	sessions *session.Manager

	pendingWaiters  prometheus.Gauge
	eventHandlers   prometheus.Gauge
	activeConns     prometheus.Gauge
	activeTransfers prometheus.Gauge
}

func NewManager(sessions *session.Manager) *Manager {
	manager := &Manager{
		sessions: sessions,
	}
	manager.pendingWaiters = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pending_waiter_nums",
		Help: "One-shot waiters currently registered on the bridge.",
	})
	manager.eventHandlers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "event_handler_nums",
		Help: "Persistent event subscriptions on the bridge.",
	})
	manager.activeConns = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_connection_nums",
		Help: "Connections currently established.",
	})
	manager.activeTransfers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "active_transfer_nums",
		Help: "In-flight upload/download slots.",
	})

	return manager
}

func (m *Manager) Init() *Manager {
	prometheus.MustRegister(m.pendingWaiters)
	prometheus.MustRegister(m.eventHandlers)
	prometheus.MustRegister(m.activeConns)
	prometheus.MustRegister(m.activeTransfers)

	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "bridge_dispatched_total",
		Help: "Notifications delivered to a waiter or handler.",
	}, func() float64 {
		return float64(m.sessions.Bridge().DispatchedTotal())
	}))
	prometheus.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "bridge_dropped_total",
		Help: "Notifications that found no consumer.",
	}, func() float64 {
		return float64(m.sessions.Bridge().DroppedTotal())
	}))

	go func() {
		for {
			<-time.After(DefaultTimeTicker)
			m.pendingWaiters.Set(float64(m.sessions.Bridge().PendingWaiters()))
			m.eventHandlers.Set(float64(m.sessions.Bridge().HandlerCount()))
			m.activeConns.Set(float64(m.sessions.ActiveConnections()))
			m.activeTransfers.Set(float64(m.sessions.ActiveTransfers()))
		}
	}()
	return m
}
