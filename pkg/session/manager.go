// Package session multiplexes one authenticated connection per instance
// into at most one interactive shell channel and one SFTP channel, and
// correlates the transport's out-of-band notifications with pending calls.
package session

import (
	"sync"
	"time"

	"github.com/remoteops/sshlink/pkg/event"
	"github.com/remoteops/sshlink/pkg/logger"
	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

// Manager owns one transport, one bridge, and the connections minted over
// them. The transport's global notification hook is wired to the bridge
// exactly once, in Init.
type Manager struct {
	transport transport.Transport
	bridge    *event.Bridge
	logger    *logger.Logger

	requestTimeout time.Duration
	defaultPty     types.PtyType

	mu    sync.Mutex
	conns map[string]*Connection
}

func NewManager(tr transport.Transport) *Manager {
	return &Manager{
		transport:  tr,
		bridge:     event.NewBridge(),
		logger:     logger.NewLogger("sessionManager"),
		defaultPty: types.PtyXterm,
		conns:      make(map[string]*Connection),
	}
}

func (m *Manager) Init() *Manager {
	m.transport.OnNotification(m.bridge.Dispatch)
	return m
}

// SetRequestTimeout bounds every one-shot wait except transfers.
// Zero disables expiry. Safe to call while connections are live.
func (m *Manager) SetRequestTimeout(d time.Duration) {
	m.mu.Lock()
	m.requestTimeout = d
	m.mu.Unlock()
}

// SetDefaultPty is the emulation ensureOpen uses when a shell has to be
// opened implicitly.
func (m *Manager) SetDefaultPty(p types.PtyType) {
	if !p.Valid() {
		return
	}
	m.mu.Lock()
	m.defaultPty = p
	m.mu.Unlock()
}

func (m *Manager) timeout() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.requestTimeout
}

func (m *Manager) pty() types.PtyType {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultPty
}

// Connect authenticates one new connection and returns it connected, or an
// error wrapping ErrConnectionFailure with the underlying reason.
func (m *Manager) Connect(host string, port int, user string, cred types.Credential) (*Connection, error) {
	c := newConnection(m, host, port, user)
	m.bridge.Track(c.key)
	if err := c.connect(cred); err != nil {
		m.bridge.Teardown(c.key)
		return nil, err
	}

	m.mu.Lock()
	m.conns[c.key] = c
	m.mu.Unlock()

	m.logger.Infof("connected %s@%s:%d key=%s", user, host, port, c.key)
	return c, nil
}

func (m *Manager) remove(key string) {
	m.mu.Lock()
	delete(m.conns, key)
	m.mu.Unlock()
}

// ActiveConnections reports live connection count, for metrics.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// ActiveTransfers reports in-flight upload/download slots across all
// connections, for metrics.
func (m *Manager) ActiveTransfers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.conns {
		n += c.sftp.activeTransfers()
	}
	return n
}

// Bridge exposes the correlation registry to metrics.
func (m *Manager) Bridge() *event.Bridge {
	return m.bridge
}
