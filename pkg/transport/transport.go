package transport

import (
	"os"

	"github.com/remoteops/sshlink/pkg/types"
)

// CommandName identifies a typed command sent to the engine.
type CommandName string

const (
	CommandConnect        CommandName = "connect"
	CommandDisconnect     CommandName = "disconnect"
	CommandExec           CommandName = "exec"
	CommandShellOpen      CommandName = "shell.open"
	CommandShellWrite     CommandName = "shell.write"
	CommandShellClose     CommandName = "shell.close"
	CommandSftpOpen       CommandName = "sftp.open"
	CommandSftpList       CommandName = "sftp.list"
	CommandSftpRename     CommandName = "sftp.rename"
	CommandSftpMkdir      CommandName = "sftp.mkdir"
	CommandSftpRemove     CommandName = "sftp.remove"
	CommandSftpRmdir      CommandName = "sftp.rmdir"
	CommandSftpChmod      CommandName = "sftp.chmod"
	CommandSftpClose      CommandName = "sftp.close"
	CommandUpload         CommandName = "sftp.upload"
	CommandDownload       CommandName = "sftp.download"
	CommandCancelUpload   CommandName = "sftp.upload.cancel"
	CommandCancelDownload CommandName = "sftp.download.cancel"
)

// Event names the engine tags notifications with. Each one-shot command
// has exactly one response event; EventShellData is the streaming channel
// for pty output and fires any number of times.
const (
	EventConnect    = "connect"
	EventExec       = "exec"
	EventShellOpen  = "shell.open"
	EventShellWrite = "shell.write"
	EventShellClose = "shell.close"
	EventShellData  = "shell"
	EventSftpOpen   = "sftp.open"
	EventSftpList   = "sftp.list"
	EventSftpRename = "sftp.rename"
	EventSftpMkdir  = "sftp.mkdir"
	EventSftpRemove = "sftp.remove"
	EventSftpRmdir  = "sftp.rmdir"
	EventSftpChmod  = "sftp.chmod"
	EventSftpClose  = "sftp.close"
	EventUpload     = "sftp.upload"
	EventDownload   = "sftp.download"
)

// Command is the closed record of everything an engine command may carry.
// Only the fields relevant to Name are set.
type Command struct {
	Name CommandName

	// connect
	Host       string
	Port       int
	User       string
	Credential types.Credential

	// exec / shell
	Exec  string
	Pty   types.PtyType
	Input string

	// sftp
	Path    string
	NewPath string
	Mode    os.FileMode

	// transfers
	LocalPath  string
	RemotePath string
}

// PayloadKind tags the variant a Payload carries.
type PayloadKind int

const (
	KindNone PayloadKind = iota
	KindAck
	KindOutput
	KindEntries
	KindTransfer
)

// Payload is the closed tagged-variant notification body. Err set means
// the operation failed; the other fields are then meaningless.
type Payload struct {
	Kind      PayloadKind
	Data      string
	Entries   []types.FileEntry
	Bytes     int64
	Cancelled bool
	Err       error
}

// NotificationFunc receives every notification the engine emits, tagged
// with the connection key and event name.
type NotificationFunc func(key, event string, p Payload)

// Transport is the opaque engine boundary. SendCommand is fire-and-forget;
// correctness relies entirely on later notification correlation.
// OnNotification is registered once, before the first command.
type Transport interface {
	SendCommand(key string, cmd Command)
	OnNotification(fn NotificationFunc)
}

// ExpectedKind returns the payload variant an event carries on success.
// The bridge checks it before delivering to a typed waiter.
func ExpectedKind(event string) PayloadKind {
	switch event {
	case EventExec, EventShellOpen, EventShellData:
		return KindOutput
	case EventSftpList:
		return KindEntries
	case EventUpload, EventDownload:
		return KindTransfer
	case EventConnect, EventShellWrite, EventShellClose, EventSftpOpen,
		EventSftpRename, EventSftpMkdir, EventSftpRemove, EventSftpRmdir,
		EventSftpChmod, EventSftpClose:
		return KindAck
	}
	return KindNone
}
