package transport

import (
	"context"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/remoteops/sshlink/pkg/logger"
	"github.com/remoteops/sshlink/pkg/types"
)

const (
	DefaultTimeout   = 30 * time.Second
	DefaultBlockSize = 1024 * 64

	defaultPtyRows = 24
	defaultPtyCols = 80

	// how long shell.open waits for the remote's initial output
	shellInitWindow = 500 * time.Millisecond
)

// SSHTransport is the engine behind the Transport boundary, driving the
// wire protocol with golang.org/x/crypto/ssh and github.com/pkg/sftp.
// Every command runs on its own goroutine and reports back through a
// notification tagged with the connection key.
type SSHTransport struct {
	dialTimeout time.Duration
	blockSize   int

	mu     sync.Mutex
	conns  map[string]*sshConn
	notify NotificationFunc

	logger *logger.Logger
}

// sshConn is the live native state behind one connection key.
type sshConn struct {
	client *ssh.Client

	mu    sync.Mutex
	sftp  *sftp.Client
	shell *shellSession

	uploadCancel   context.CancelFunc
	downloadCancel context.CancelFunc
}

type shellSession struct {
	session *ssh.Session
	stdin   io.WriteCloser
}

func NewSSHTransport(dialTimeout time.Duration, blockSize int) *SSHTransport {
	if dialTimeout <= 0 {
		dialTimeout = DefaultTimeout
	}
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	return &SSHTransport{
		dialTimeout: dialTimeout,
		blockSize:   blockSize,
		conns:       make(map[string]*sshConn),
		logger:      logger.NewLogger("sshTransport"),
	}
}

// OnNotification registers the single global notification hook. Must be
// called before the first command.
func (t *SSHTransport) OnNotification(fn NotificationFunc) {
	t.notify = fn
}

// SendCommand is fire-and-forget: the result arrives later as a
// notification correlated by (key, event).
func (t *SSHTransport) SendCommand(key string, cmd Command) {
	go t.handle(key, cmd)
}

func (t *SSHTransport) emit(key, event string, p Payload) {
	if t.notify == nil {
		t.logger.Errorf("notification for %s/%s with no hook registered", key, event)
		return
	}
	t.notify(key, event, p)
}

func (t *SSHTransport) emitErr(key, event string, err error) {
	t.emit(key, event, Payload{Err: err})
}

func (t *SSHTransport) getConn(key string) (*sshConn, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.conns[key]
	return c, ok
}

func (t *SSHTransport) handle(key string, cmd Command) {
	switch cmd.Name {
	case CommandConnect:
		t.handleConnect(key, cmd)
	case CommandDisconnect:
		t.handleDisconnect(key)
	case CommandExec:
		t.handleExec(key, cmd)
	case CommandShellOpen:
		t.handleShellOpen(key, cmd)
	case CommandShellWrite:
		t.handleShellWrite(key, cmd)
	case CommandShellClose:
		t.handleShellClose(key)
	case CommandSftpOpen, CommandSftpList, CommandSftpRename, CommandSftpMkdir,
		CommandSftpRemove, CommandSftpRmdir, CommandSftpChmod, CommandSftpClose,
		CommandUpload, CommandDownload, CommandCancelUpload, CommandCancelDownload:
		t.handleSftp(key, cmd)
	default:
		t.logger.Warnf("unknown command %q for %s", cmd.Name, key)
	}
}

// authMethods builds the credential chain: key bytes first, then password,
// then a running agent, so a failed key can still fall back.
func authMethods(cred types.Credential) []ssh.AuthMethod {
	var methods []ssh.AuthMethod

	if cred.KeyBytes != nil {
		if auth, err := authWithPrivateKeyBytes(cred.KeyBytes, cred.Passphrase); err == nil {
			methods = append(methods, auth)
		}
	}
	if cred.Password != "" {
		methods = append(methods, ssh.Password(cred.Password))
	}
	if auth, err := authWithAgent(); err == nil {
		methods = append(methods, auth)
	}
	return methods
}

func authWithPrivateKeyBytes(key []byte, passphrase string) (ssh.AuthMethod, error) {
	var signer ssh.Signer
	var err error
	if passphrase == "" {
		signer, err = ssh.ParsePrivateKey(key)
	} else {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(key, []byte(passphrase))
	}
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signer), nil
}

func authWithAgent() (ssh.AuthMethod, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return nil, errors.New("agent disabled")
	}
	socks, err := net.Dial("unix", sock)
	if err != nil {
		return nil, err
	}
	signers, err := agent.NewClient(socks).Signers()
	if err != nil {
		return nil, err
	}
	return ssh.PublicKeys(signers...), nil
}

func (t *SSHTransport) handleConnect(key string, cmd Command) {
	t.mu.Lock()
	if _, ok := t.conns[key]; ok {
		t.mu.Unlock()
		t.emitErr(key, EventConnect, errors.WithMessage(types.ErrOperationRejected, "key already connected"))
		return
	}
	t.mu.Unlock()

	port := cmd.Port
	if port == 0 {
		port = 22
	}
	clientConfig := &ssh.ClientConfig{
		User:            cmd.User,
		Auth:            authMethods(cmd.Credential),
		Timeout:         t.dialTimeout,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
	}

	addr := net.JoinHostPort(cmd.Host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, clientConfig)
	if err != nil {
		t.emitErr(key, EventConnect, errors.WithMessagef(types.ErrConnectionFailure, "dial %s: %v", addr, err))
		return
	}

	t.mu.Lock()
	t.conns[key] = &sshConn{client: client}
	t.mu.Unlock()

	t.emit(key, EventConnect, Payload{Kind: KindAck})
}

func (t *SSHTransport) handleDisconnect(key string) {
	t.mu.Lock()
	conn, ok := t.conns[key]
	delete(t.conns, key)
	t.mu.Unlock()
	if !ok {
		return
	}

	conn.mu.Lock()
	if conn.uploadCancel != nil {
		conn.uploadCancel()
	}
	if conn.downloadCancel != nil {
		conn.downloadCancel()
	}
	if conn.shell != nil {
		_ = conn.shell.session.Close()
		conn.shell = nil
	}
	if conn.sftp != nil {
		_ = conn.sftp.Close()
		conn.sftp = nil
	}
	conn.mu.Unlock()

	if err := conn.client.Close(); err != nil {
		t.logger.Debugf("close ssh client %s: %v", key, err)
	}
}

func (t *SSHTransport) handleExec(key string, cmd Command) {
	conn, ok := t.getConn(key)
	if !ok {
		t.emitErr(key, EventExec, errors.WithMessage(types.ErrConnectionClosed, "exec"))
		return
	}

	session, err := conn.client.NewSession()
	if err != nil {
		t.emitErr(key, EventExec, errors.WithMessagef(types.ErrRemote, "new session: %v", err))
		return
	}
	defer session.Close()

	out, err := session.CombinedOutput(cmd.Exec)
	if err != nil {
		t.emitErr(key, EventExec, errors.WithMessagef(types.ErrRemote, "exec %q: %v", cmd.Exec, err))
		return
	}
	t.emit(key, EventExec, Payload{Kind: KindOutput, Data: string(out)})
}

// shellWriter forwards pty output as streaming notifications. The first
// chunk is held back for the open call's initial-output reply; once the
// window expires, everything streams, so a slow remote's first output still
// reaches subscribers.
type shellWriter struct {
	t   *SSHTransport
	key string

	mu       sync.Mutex
	gotFirst bool
	first    chan string
}

func (w *shellWriter) Write(p []byte) (int, error) {
	data := string(p)

	w.mu.Lock()
	if !w.gotFirst {
		w.gotFirst = true
		// cap 1, single send, never blocks under the lock
		w.first <- data
		w.mu.Unlock()
		return len(p), nil
	}
	w.mu.Unlock()

	w.t.emit(w.key, EventShellData, Payload{Kind: KindOutput, Data: data})
	return len(p), nil
}

// expire closes the initial-output window. A chunk that raced the deadline
// is returned so it still lands in the open reply; chunks after this call
// take the streaming path.
func (w *shellWriter) expire() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.gotFirst {
		w.gotFirst = true
		return ""
	}
	select {
	case data := <-w.first:
		return data
	default:
		return ""
	}
}

func (t *SSHTransport) handleShellOpen(key string, cmd Command) {
	conn, ok := t.getConn(key)
	if !ok {
		t.emitErr(key, EventShellOpen, errors.WithMessage(types.ErrConnectionClosed, "shell open"))
		return
	}

	conn.mu.Lock()
	if conn.shell != nil {
		conn.mu.Unlock()
		t.emitErr(key, EventShellOpen, errors.WithMessage(types.ErrOperationRejected, "shell already open"))
		return
	}
	conn.mu.Unlock()

	session, err := conn.client.NewSession()
	if err != nil {
		t.emitErr(key, EventShellOpen, errors.WithMessagef(types.ErrRemote, "new session: %v", err))
		return
	}
	stdin, err := session.StdinPipe()
	if err != nil {
		_ = session.Close()
		t.emitErr(key, EventShellOpen, errors.WithMessagef(types.ErrRemote, "stdin pipe: %v", err))
		return
	}

	writer := &shellWriter{t: t, key: key, first: make(chan string, 1)}
	session.Stdout = writer
	session.Stderr = writer

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty(cmd.Pty.String(), defaultPtyRows, defaultPtyCols, modes); err != nil {
		_ = session.Close()
		t.emitErr(key, EventShellOpen, errors.WithMessagef(types.ErrRemote, "request pty: %v", err))
		return
	}
	if err := session.Shell(); err != nil {
		_ = session.Close()
		t.emitErr(key, EventShellOpen, errors.WithMessagef(types.ErrRemote, "start shell: %v", err))
		return
	}

	conn.mu.Lock()
	conn.shell = &shellSession{session: session, stdin: stdin}
	conn.mu.Unlock()

	var initial string
	select {
	case initial = <-writer.first:
	case <-time.After(shellInitWindow):
		initial = writer.expire()
	}
	t.emit(key, EventShellOpen, Payload{Kind: KindOutput, Data: initial})
}

func (t *SSHTransport) handleShellWrite(key string, cmd Command) {
	conn, ok := t.getConn(key)
	if !ok {
		t.emitErr(key, EventShellWrite, errors.WithMessage(types.ErrConnectionClosed, "shell write"))
		return
	}

	conn.mu.Lock()
	shell := conn.shell
	conn.mu.Unlock()
	if shell == nil {
		t.emitErr(key, EventShellWrite, errors.WithMessage(types.ErrChannelNotOpen, "shell write"))
		return
	}

	n, err := shell.stdin.Write([]byte(cmd.Input))
	if err != nil {
		t.emitErr(key, EventShellWrite, errors.WithMessagef(types.ErrRemote, "shell write: %v", err))
		return
	}
	t.emit(key, EventShellWrite, Payload{Kind: KindAck, Data: strconv.Itoa(n), Bytes: int64(n)})
}

func (t *SSHTransport) handleShellClose(key string) {
	conn, ok := t.getConn(key)
	if !ok {
		t.emitErr(key, EventShellClose, errors.WithMessage(types.ErrConnectionClosed, "shell close"))
		return
	}

	conn.mu.Lock()
	shell := conn.shell
	conn.shell = nil
	conn.mu.Unlock()

	if shell != nil {
		if err := shell.session.Close(); err != nil {
			t.logger.Debugf("close shell session %s: %v", key, err)
		}
	}
	t.emit(key, EventShellClose, Payload{Kind: KindAck})
}
