package session

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/remoteops/sshlink/pkg/transport"
	"github.com/remoteops/sshlink/pkg/types"
)

// TransferResult is the resolution of one upload or download. A cancelled
// transfer resolves successfully with Cancelled set; callers can tell
// "I asked it to stop" from "it broke".
type TransferResult struct {
	Direction  types.Direction
	LocalPath  string
	RemotePath string
	Bytes      int64
	Cancelled  bool
}

// TransferHandle marks one in-progress transfer. At most one per direction
// per channel; a second in the same direction is rejected, not queued, so a
// cancel always has an unambiguous target.
type TransferHandle struct {
	Direction  types.Direction
	LocalPath  string
	RemotePath string
}

// transferSlot is the single in-flight slot for one direction. The
// check-then-claim is atomic under its lock.
type transferSlot struct {
	mu     sync.Mutex
	active *TransferHandle
}

func (t *transferSlot) begin(h *TransferHandle) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active != nil {
		return errors.WithMessagef(types.ErrOperationRejected, "%s already in flight", h.Direction)
	}
	t.active = h
	return nil
}

func (t *transferSlot) finish(h *TransferHandle) {
	t.mu.Lock()
	if t.active == h {
		t.active = nil
	}
	t.mu.Unlock()
}

func (t *transferSlot) inFlight() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active != nil
}

func (s *Sftp) activeTransfers() int {
	n := 0
	if s.uploads.inFlight() {
		n++
	}
	if s.downloads.inFlight() {
		n++
	}
	return n
}

// Upload copies a local file to the remote. It fails immediately with
// ErrOperationRejected if an upload is already in flight on this channel.
// No timeout applies; the transfer resolves on completion, failure, or a
// confirmed cancel.
func (s *Sftp) Upload(localPath, remotePath string) (TransferResult, error) {
	return s.transfer(types.Upload, &s.uploads, transport.Command{
		Name:       transport.CommandUpload,
		LocalPath:  localPath,
		RemotePath: remotePath,
	}, transport.EventUpload, localPath, remotePath)
}

// Download copies a remote file to the local filesystem. Its slot is
// independent from Upload's; one of each direction may run concurrently.
func (s *Sftp) Download(remotePath, localPath string) (TransferResult, error) {
	return s.transfer(types.Download, &s.downloads, transport.Command{
		Name:       transport.CommandDownload,
		LocalPath:  localPath,
		RemotePath: remotePath,
	}, transport.EventDownload, localPath, remotePath)
}

func (s *Sftp) transfer(dir types.Direction, slot *transferSlot, cmd transport.Command, event, localPath, remotePath string) (TransferResult, error) {
	if err := s.ensureOpen(); err != nil {
		return TransferResult{}, err
	}

	h := &TransferHandle{Direction: dir, LocalPath: localPath, RemotePath: remotePath}
	if err := slot.begin(h); err != nil {
		return TransferResult{}, err
	}
	defer slot.finish(h)

	w, err := s.conn.manager.bridge.RegisterWaiter(s.conn.key, event, 0)
	if err != nil {
		return TransferResult{}, err
	}
	s.conn.manager.transport.SendCommand(s.conn.key, cmd)

	p, err := w.Wait()
	if err != nil {
		return TransferResult{}, err
	}
	return TransferResult{
		Direction:  dir,
		LocalPath:  localPath,
		RemotePath: remotePath,
		Bytes:      p.Bytes,
		Cancelled:  p.Cancelled,
	}, nil
}

// CancelUpload asks the transport to stop the in-flight upload; the pending
// Upload call then resolves with a cancelled outcome. Best-effort and
// idempotent: with nothing in flight, or after completion, it is a no-op.
func (s *Sftp) CancelUpload() {
	if !s.uploads.inFlight() {
		return
	}
	s.conn.manager.transport.SendCommand(s.conn.key, transport.Command{
		Name: transport.CommandCancelUpload,
	})
}

// CancelDownload mirrors CancelUpload for the download slot.
func (s *Sftp) CancelDownload() {
	if !s.downloads.inFlight() {
		return
	}
	s.conn.manager.transport.SendCommand(s.conn.key, transport.Command{
		Name: transport.CommandCancelDownload,
	})
}
