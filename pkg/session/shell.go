package session

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

// Shell is the one interactive pty channel of a connection. The underlying
// channel is a single ordered stream, so commands against it are serialized:
// one open at a time, writes only after the open resolved, and a close never
// races an in-flight open.
//
// Immediate write acknowledgments come back through the one-shot path;
// ongoing output arrives on the persistent EventShellData stream the caller
// subscribes to via Connection.On.
type Shell struct {
	conn *Connection

	// mu guards state and the shared in-flight open; opMu serializes the
	// channel's command round-trips.
	mu   sync.Mutex
	opMu sync.Mutex

	state      ChannelState
	inflight   *openResult
	pty        types.PtyType
	initialOut string
}

func newShell(c *Connection) *Shell {
	return &Shell{conn: c, state: ChannelClosed}
}

func (s *Shell) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open requests a pty of the given type. Concurrent calls while one open is
// in flight share its outcome instead of opening a second channel. On an
// already-open shell the same type returns the cached initial output; a
// different type is rejected, since the channel holds exactly one pty.
func (s *Shell) Open(pty types.PtyType) (string, error) {
	if !pty.Valid() {
		return "", errors.WithMessagef(types.ErrOperationRejected, "unknown pty type %q", pty)
	}

	s.mu.Lock()
	switch s.state {
	case ChannelOpen:
		if pty != s.pty {
			cur := s.pty
			s.mu.Unlock()
			return "", errors.WithMessagef(types.ErrOperationRejected, "shell already open with pty %q", cur)
		}
		out := s.initialOut
		s.mu.Unlock()
		return out, nil
	case ChannelOpening:
		fl := s.inflight
		s.mu.Unlock()
		<-fl.done
		return fl.out, fl.err
	}

	if err := s.conn.connected(); err != nil {
		s.mu.Unlock()
		return "", err
	}
	fl := &openResult{done: make(chan struct{})}
	s.inflight = fl
	s.state = ChannelOpening
	s.pty = pty
	s.mu.Unlock()

	s.doOpen(pty, fl)
	return fl.out, fl.err
}

func (s *Shell) doOpen(pty types.PtyType, fl *openResult) {
	s.opMu.Lock()
	p, err := s.conn.request(transport.EventShellOpen, transport.Command{
		Name: transport.CommandShellOpen,
		Pty:  pty,
	})
	s.opMu.Unlock()

	s.mu.Lock()
	if err != nil {
		s.state = ChannelClosed
	} else {
		s.state = ChannelOpen
		s.initialOut = p.Data
	}
	s.inflight = nil
	s.mu.Unlock()

	fl.out, fl.err = p.Data, err
	close(fl.done)
}

// ensureOpen opens with the default pty if closed, waits out an in-flight
// open, and no-ops when already open whatever its pty type.
func (s *Shell) ensureOpen() error {
	if s.State() == ChannelOpen {
		return nil
	}
	_, err := s.Open(s.conn.manager.pty())
	return err
}

// Write sends input to the pty and returns the transport's immediate
// acknowledgment. It does not wait for downstream output.
func (s *Shell) Write(input string) (string, error) {
	if err := s.ensureOpen(); err != nil {
		return "", err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != ChannelOpen {
		return "", errors.WithMessage(types.ErrChannelNotOpen, "shell closed before write")
	}
	p, err := s.conn.request(transport.EventShellWrite, transport.Command{
		Name:  transport.CommandShellWrite,
		Input: input,
	})
	if err != nil {
		return "", err
	}
	return p.Data, nil
}

// Close tears down the pty and resets to Closed. An in-flight open resolves
// first, success or failure, so the close command never races the channel's
// creation. Idempotent.
func (s *Shell) Close() error {
	s.mu.Lock()
	for s.state == ChannelOpening {
		fl := s.inflight
		s.mu.Unlock()
		<-fl.done
		s.mu.Lock()
	}
	if s.state != ChannelOpen {
		s.mu.Unlock()
		return nil
	}
	s.mu.Unlock()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != ChannelOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = ChannelClosed
	s.initialOut = ""
	s.mu.Unlock()

	_, err := s.conn.request(transport.EventShellClose, transport.Command{
		Name: transport.CommandShellClose,
	})
	return err
}
