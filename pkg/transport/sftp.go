package transport

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"

	"github.com/remoteops/sshlink/pkg/types"
)

func (t *SSHTransport) handleSftp(key string, cmd Command) {
	conn, ok := t.getConn(key)
	if !ok {
		// cancels are fire-and-forget, nothing waits on them
		if cmd.Name == CommandCancelUpload || cmd.Name == CommandCancelDownload {
			return
		}
		t.emitErr(key, sftpEvent(cmd.Name), errors.WithMessage(types.ErrConnectionClosed, string(cmd.Name)))
		return
	}

	switch cmd.Name {
	case CommandSftpOpen:
		t.handleSftpOpen(key, conn)
	case CommandSftpClose:
		t.handleSftpClose(key, conn)
	case CommandUpload:
		t.handleUpload(key, conn, cmd)
	case CommandDownload:
		t.handleDownload(key, conn, cmd)
	case CommandCancelUpload:
		conn.mu.Lock()
		if conn.uploadCancel != nil {
			conn.uploadCancel()
		}
		conn.mu.Unlock()
	case CommandCancelDownload:
		conn.mu.Lock()
		if conn.downloadCancel != nil {
			conn.downloadCancel()
		}
		conn.mu.Unlock()
	default:
		t.handleSftpRequest(key, conn, cmd)
	}
}

func sftpEvent(name CommandName) string {
	// command and response event names coincide for the sftp family
	return string(name)
}

// sftpClient returns the channel's client, establishing the subsystem on
// first use.
func (c *sshConn) sftpClient() (*sftp.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sftp == nil {
		cli, err := sftp.NewClient(c.client)
		if err != nil {
			return nil, err
		}
		c.sftp = cli
	}
	return c.sftp, nil
}

func (t *SSHTransport) handleSftpOpen(key string, conn *sshConn) {
	if _, err := conn.sftpClient(); err != nil {
		t.emitErr(key, EventSftpOpen, errors.WithMessagef(types.ErrChannelNotOpen, "sftp subsystem: %v", err))
		return
	}
	t.emit(key, EventSftpOpen, Payload{Kind: KindAck})
}

func (t *SSHTransport) handleSftpClose(key string, conn *sshConn) {
	conn.mu.Lock()
	if conn.uploadCancel != nil {
		conn.uploadCancel()
	}
	if conn.downloadCancel != nil {
		conn.downloadCancel()
	}
	cli := conn.sftp
	conn.sftp = nil
	conn.mu.Unlock()

	if cli != nil {
		if err := cli.Close(); err != nil {
			t.logger.Debugf("close sftp client %s: %v", key, err)
		}
	}
	t.emit(key, EventSftpClose, Payload{Kind: KindAck})
}

func (t *SSHTransport) handleSftpRequest(key string, conn *sshConn, cmd Command) {
	event := sftpEvent(cmd.Name)

	cli, err := conn.sftpClient()
	if err != nil {
		t.emitErr(key, event, errors.WithMessagef(types.ErrChannelNotOpen, "sftp subsystem: %v", err))
		return
	}

	switch cmd.Name {
	case CommandSftpList:
		infos, err := cli.ReadDir(cmd.Path)
		if err != nil {
			t.emitErr(key, event, mapRemoteErr("list "+cmd.Path, err))
			return
		}
		entries := make([]types.FileEntry, 0, len(infos))
		for _, info := range infos {
			entry := types.FileEntry{
				Name:    info.Name(),
				IsDir:   info.IsDir(),
				ModTime: info.ModTime(),
				Size:    info.Size(),
			}
			if stat, ok := info.Sys().(*sftp.FileStat); ok {
				entry.AccessTime = time.Unix(int64(stat.Atime), 0)
				entry.UID = stat.UID
				entry.GID = stat.GID
				entry.Flags = stat.Mode
			}
			entries = append(entries, entry)
		}
		t.emit(key, event, Payload{Kind: KindEntries, Entries: entries})

	case CommandSftpRename:
		t.emitAck(key, event, mapRemoteErr("rename "+cmd.Path, cli.Rename(cmd.Path, cmd.NewPath)))

	case CommandSftpMkdir:
		t.emitAck(key, event, mapRemoteErr("mkdir "+cmd.Path, cli.Mkdir(filepath.ToSlash(cmd.Path))))

	case CommandSftpRemove:
		t.emitAck(key, event, mapRemoteErr("remove "+cmd.Path, cli.Remove(cmd.Path)))

	case CommandSftpRmdir:
		t.emitAck(key, event, mapRemoteErr("rmdir "+cmd.Path, cli.RemoveDirectory(cmd.Path)))

	case CommandSftpChmod:
		t.emitAck(key, event, mapRemoteErr("chmod "+cmd.Path, cli.Chmod(cmd.Path, cmd.Mode)))
	}
}

func (t *SSHTransport) emitAck(key, event string, err error) {
	if err != nil {
		t.emitErr(key, event, err)
		return
	}
	t.emit(key, event, Payload{Kind: KindAck})
}

// mapRemoteErr folds protocol failures into the typed kinds the session
// layer exposes. pkg/sftp normalises the common status codes to os errors;
// an unsupported-operation status keeps its own kind so chmod on platforms
// without permission bits fails loudly instead of flattening into a generic
// remote error.
func mapRemoteErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var status *sftp.StatusError
	if errors.As(err, &status) && status.FxCode() == sftp.ErrSSHFxOpUnsupported {
		return errors.WithMessagef(types.ErrUnsupportedOperation, "%s: %v", op, err)
	}
	if os.IsNotExist(err) {
		return errors.WithMessagef(types.ErrRemote, "%s: not found", op)
	}
	if os.IsPermission(err) {
		return errors.WithMessagef(types.ErrRemote, "%s: permission denied", op)
	}
	return errors.WithMessagef(types.ErrRemote, "%s: %v", op, err)
}

func (t *SSHTransport) handleUpload(key string, conn *sshConn, cmd Command) {
	cli, err := conn.sftpClient()
	if err != nil {
		t.emitErr(key, EventUpload, errors.WithMessagef(types.ErrChannelNotOpen, "sftp subsystem: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn.mu.Lock()
	if conn.uploadCancel != nil {
		conn.mu.Unlock()
		cancel()
		t.emitErr(key, EventUpload, errors.WithMessage(types.ErrOperationRejected, "upload already in flight"))
		return
	}
	conn.uploadCancel = cancel
	conn.mu.Unlock()

	defer func() {
		conn.mu.Lock()
		conn.uploadCancel = nil
		conn.mu.Unlock()
		cancel()
	}()

	file, err := os.Open(cmd.LocalPath)
	if err != nil {
		t.emitErr(key, EventUpload, errors.WithMessagef(types.ErrOperationRejected, "open %s: %v", cmd.LocalPath, err))
		return
	}
	defer file.Close()

	remote := filepath.ToSlash(cmd.RemotePath)
	if _, err := cli.Stat(filepath.ToSlash(filepath.Dir(remote))); err != nil {
		_ = cli.MkdirAll(filepath.ToSlash(filepath.Dir(remote)))
	}
	w, err := cli.Create(remote)
	if err != nil {
		t.emitErr(key, EventUpload, mapRemoteErr("create "+remote, err))
		return
	}
	defer w.Close()

	sent, done, err := t.copyLoop(ctx, w, file)
	switch {
	case err != nil:
		t.emitErr(key, EventUpload, mapRemoteErr("upload "+remote, err))
	case !done:
		t.logger.Debugf("upload %s cancelled after %d bytes", remote, sent)
		t.emit(key, EventUpload, Payload{Kind: KindTransfer, Bytes: sent, Cancelled: true})
	default:
		t.emit(key, EventUpload, Payload{Kind: KindTransfer, Bytes: sent})
	}
}

func (t *SSHTransport) handleDownload(key string, conn *sshConn, cmd Command) {
	cli, err := conn.sftpClient()
	if err != nil {
		t.emitErr(key, EventDownload, errors.WithMessagef(types.ErrChannelNotOpen, "sftp subsystem: %v", err))
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn.mu.Lock()
	if conn.downloadCancel != nil {
		conn.mu.Unlock()
		cancel()
		t.emitErr(key, EventDownload, errors.WithMessage(types.ErrOperationRejected, "download already in flight"))
		return
	}
	conn.downloadCancel = cancel
	conn.mu.Unlock()

	defer func() {
		conn.mu.Lock()
		conn.downloadCancel = nil
		conn.mu.Unlock()
		cancel()
	}()

	remote := filepath.ToSlash(cmd.RemotePath)
	r, err := cli.Open(remote)
	if err != nil {
		t.emitErr(key, EventDownload, mapRemoteErr("open "+remote, err))
		return
	}
	defer r.Close()

	file, err := os.Create(cmd.LocalPath)
	if err != nil {
		t.emitErr(key, EventDownload, errors.WithMessagef(types.ErrOperationRejected, "create %s: %v", cmd.LocalPath, err))
		return
	}
	defer file.Close()

	got, done, err := t.copyLoop(ctx, file, r)
	switch {
	case err != nil:
		t.emitErr(key, EventDownload, mapRemoteErr("download "+remote, err))
	case !done:
		t.logger.Debugf("download %s cancelled after %d bytes", remote, got)
		t.emit(key, EventDownload, Payload{Kind: KindTransfer, Bytes: got, Cancelled: true})
	default:
		t.emit(key, EventDownload, Payload{Kind: KindTransfer, Bytes: got})
	}
}

// copyLoop moves data block by block, checking for cancellation between
// blocks. done reports whether the source was drained; false with a nil
// error means the context was cancelled.
func (t *SSHTransport) copyLoop(ctx context.Context, dst io.Writer, src io.Reader) (int64, bool, error) {
	buf := make([]byte, t.blockSize)
	var copied int64
	for {
		select {
		case <-ctx.Done():
			return copied, false, nil
		default:
		}

		n, rerr := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return copied, false, werr
			}
			copied += int64(n)
		}
		if rerr == io.EOF {
			return copied, true, nil
		}
		if rerr != nil {
			return copied, false, rerr
		}
	}
}
