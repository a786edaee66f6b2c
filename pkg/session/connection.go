package session

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

// ConnState is the connection lifecycle. Owned by the connection; channels
// read it but never mutate it.
type ConnState int32

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
)

func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// Connection is one authenticated session to a remote host. The key is
// minted at construction, never reused, and scopes every command and
// notification to this instance.
type Connection struct {
	key  string
	host string
	port int
	user string

	manager *Manager

	mu    sync.Mutex
	state ConnState

	// one exec round-trip at a time; shell and sftp serialize themselves
	execMu sync.Mutex

	shell *Shell
	sftp  *Sftp
}

func newConnection(m *Manager, host string, port int, user string) *Connection {
	c := &Connection{
		key:     uuid.NewString(),
		host:    host,
		port:    port,
		user:    user,
		manager: m,
		state:   StateIdle,
	}
	c.shell = newShell(c)
	c.sftp = newSftp(c)
	return c
}

func (c *Connection) Key() string {
	return c.key
}

func (c *Connection) State() ConnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s ConnState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Connection) timeout() time.Duration {
	return c.manager.timeout()
}

// request performs one correlated round-trip: register the waiter, then
// send the command, then suspend until the bridge resolves it. Registration
// precedes the send so a fast notification cannot slip past.
func (c *Connection) request(event string, cmd transport.Command) (transport.Payload, error) {
	w, err := c.manager.bridge.RegisterWaiter(c.key, event, c.timeout())
	if err != nil {
		return transport.Payload{}, err
	}
	c.manager.transport.SendCommand(c.key, cmd)
	return w.Wait()
}

func (c *Connection) connect(cred types.Credential) error {
	c.mu.Lock()
	if c.state != StateIdle {
		state := c.state
		c.mu.Unlock()
		return errors.WithMessagef(types.ErrOperationRejected, "connect from state %s", state)
	}
	c.state = StateConnecting
	c.mu.Unlock()

	_, err := c.request(transport.EventConnect, transport.Command{
		Name:       transport.CommandConnect,
		Host:       c.host,
		Port:       c.port,
		User:       c.user,
		Credential: cred,
	})
	if err != nil {
		c.setState(StateFailed)
		return err
	}
	c.setState(StateConnected)
	return nil
}

// Execute runs one command on the remote without a shell channel and
// returns its captured output. Valid only while connected.
func (c *Connection) Execute(command string) (string, error) {
	if err := c.connected(); err != nil {
		return "", err
	}

	c.execMu.Lock()
	defer c.execMu.Unlock()

	p, err := c.request(transport.EventExec, transport.Command{
		Name: transport.CommandExec,
		Exec: command,
	})
	if err != nil {
		return "", err
	}
	return p.Data, nil
}

// On subscribes a persistent handler for a streaming event (shell output).
// The returned function removes the subscription. After Disconnect the
// bridge refuses the registration and the subscription never fires.
func (c *Connection) On(event string, handler func(transport.Payload)) func() {
	id := c.manager.bridge.RegisterHandler(c.key, event, handler)
	return func() {
		c.manager.bridge.UnregisterHandler(c.key, event, id)
	}
}

// Disconnect is synchronous best-effort teardown: channels first, then the
// disconnect command, then the bridge teardown that rejects anything still
// pending. Safe from any state; a second call is a no-op.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	if c.state == StateDisconnected {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = StateDisconnected
	c.mu.Unlock()

	if prev == StateConnected {
		if err := c.shell.Close(); err != nil {
			c.manager.logger.Debugf("close shell on disconnect: %v", err)
		}
		if err := c.sftp.Close(); err != nil {
			c.manager.logger.Debugf("close sftp on disconnect: %v", err)
		}
		c.manager.transport.SendCommand(c.key, transport.Command{Name: transport.CommandDisconnect})
	}

	c.manager.bridge.Teardown(c.key)
	c.manager.remove(c.key)
	c.manager.logger.Infof("disconnected %s", c.key)
}

// connected gates channel operations on the root state machine.
func (c *Connection) connected() error {
	switch c.State() {
	case StateConnected:
		return nil
	case StateDisconnected, StateFailed:
		return errors.WithMessage(types.ErrConnectionClosed, "connection torn down")
	}
	return errors.WithMessage(types.ErrChannelNotOpen, "connection not established")
}

// Shell channel surface.

func (c *Connection) StartShell(pty types.PtyType) (string, error) {
	return c.shell.Open(pty)
}

func (c *Connection) WriteToShell(input string) (string, error) {
	return c.shell.Write(input)
}

func (c *Connection) CloseShell() error {
	return c.shell.Close()
}

// SFTP channel surface.

func (c *Connection) ConnectSftp() error {
	return c.sftp.Open()
}

func (c *Connection) SftpList(path string) ([]types.FileEntry, error) {
	return c.sftp.List(path)
}

func (c *Connection) SftpRename(oldPath, newPath string) error {
	return c.sftp.Rename(oldPath, newPath)
}

func (c *Connection) SftpMkdir(path string) error {
	return c.sftp.Mkdir(path)
}

func (c *Connection) SftpRemove(path string) error {
	return c.sftp.Remove(path)
}

func (c *Connection) SftpRemoveDirectory(path string) error {
	return c.sftp.RemoveDirectory(path)
}

func (c *Connection) SftpChmod(path string, mode uint32) error {
	return c.sftp.Chmod(path, mode)
}

func (c *Connection) SftpUpload(localPath, remotePath string) (TransferResult, error) {
	return c.sftp.Upload(localPath, remotePath)
}

func (c *Connection) SftpDownload(remotePath, localPath string) (TransferResult, error) {
	return c.sftp.Download(remotePath, localPath)
}

func (c *Connection) CancelUpload() {
	c.sftp.CancelUpload()
}

func (c *Connection) CancelDownload() {
	c.sftp.CancelDownload()
}

func (c *Connection) DisconnectSftp() error {
	return c.sftp.Close()
}
