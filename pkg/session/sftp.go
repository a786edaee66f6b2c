package session

import (
	"os"
	"sync"

	"github.com/pkg/errors"

	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

// Sftp is the one filesystem channel of a connection. Lifecycle and
// serialization mirror the shell channel; the lifecycles are independent
// but share the connection identity and bridge. Short filesystem requests
// serialize on opMu; long transfers run beside them in their own slots.
type Sftp struct {
	conn *Connection

	mu   sync.Mutex
	opMu sync.Mutex

	state    ChannelState
	inflight *openResult

	uploads   transferSlot
	downloads transferSlot
}

func newSftp(c *Connection) *Sftp {
	return &Sftp{conn: c, state: ChannelClosed}
}

func (s *Sftp) State() ChannelState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Open establishes the SFTP subsystem. Concurrent calls while Opening share
// the in-flight outcome.
func (s *Sftp) Open() error {
	s.mu.Lock()
	switch s.state {
	case ChannelOpen:
		s.mu.Unlock()
		return nil
	case ChannelOpening:
		fl := s.inflight
		s.mu.Unlock()
		<-fl.done
		return fl.err
	}

	if err := s.conn.connected(); err != nil {
		s.mu.Unlock()
		return err
	}
	fl := &openResult{done: make(chan struct{})}
	s.inflight = fl
	s.state = ChannelOpening
	s.mu.Unlock()

	s.opMu.Lock()
	_, err := s.conn.request(transport.EventSftpOpen, transport.Command{
		Name: transport.CommandSftpOpen,
	})
	s.opMu.Unlock()

	s.mu.Lock()
	if err != nil {
		s.state = ChannelClosed
	} else {
		s.state = ChannelOpen
	}
	s.inflight = nil
	s.mu.Unlock()

	fl.err = err
	close(fl.done)
	return err
}

func (s *Sftp) ensureOpen() error {
	return s.Open()
}

// request is one serialized filesystem round-trip, auto-opening first.
func (s *Sftp) request(event string, cmd transport.Command) (transport.Payload, error) {
	if err := s.ensureOpen(); err != nil {
		return transport.Payload{}, err
	}

	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.State() != ChannelOpen {
		return transport.Payload{}, errors.WithMessage(types.ErrChannelNotOpen, "sftp channel closed")
	}
	return s.conn.request(event, cmd)
}

func (s *Sftp) List(path string) ([]types.FileEntry, error) {
	p, err := s.request(transport.EventSftpList, transport.Command{
		Name: transport.CommandSftpList,
		Path: path,
	})
	if err != nil {
		return nil, err
	}
	return p.Entries, nil
}

func (s *Sftp) Rename(oldPath, newPath string) error {
	_, err := s.request(transport.EventSftpRename, transport.Command{
		Name:    transport.CommandSftpRename,
		Path:    oldPath,
		NewPath: newPath,
	})
	return err
}

func (s *Sftp) Mkdir(path string) error {
	_, err := s.request(transport.EventSftpMkdir, transport.Command{
		Name: transport.CommandSftpMkdir,
		Path: path,
	})
	return err
}

func (s *Sftp) Remove(path string) error {
	_, err := s.request(transport.EventSftpRemove, transport.Command{
		Name: transport.CommandSftpRemove,
		Path: path,
	})
	return err
}

func (s *Sftp) RemoveDirectory(path string) error {
	_, err := s.request(transport.EventSftpRmdir, transport.Command{
		Name: transport.CommandSftpRmdir,
		Path: path,
	})
	return err
}

// Chmod fails with ErrUnsupportedOperation on platforms lacking permission
// bits instead of silently doing nothing.
func (s *Sftp) Chmod(path string, mode uint32) error {
	_, err := s.request(transport.EventSftpChmod, transport.Command{
		Name: transport.CommandSftpChmod,
		Path: path,
		Mode: os.FileMode(mode),
	})
	return err
}

// Close tears down the channel and resets to Closed, independent of the
// shell. Idempotent.
func (s *Sftp) Close() error {
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

	// stop anything still copying before the subsystem goes away
	s.CancelUpload()
	s.CancelDownload()

	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != ChannelOpen {
		s.mu.Unlock()
		return nil
	}
	s.state = ChannelClosed
	s.mu.Unlock()

	_, err := s.conn.request(transport.EventSftpClose, transport.Command{
		Name: transport.CommandSftpClose,
	})
	return err
}
