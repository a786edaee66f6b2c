package types

import "time"

// PtyType is the closed set of terminal emulations a shell channel may
// request. Anything outside this set is rejected before it reaches the
// transport.
type PtyType string

const (
	PtyVanilla PtyType = "vanilla"
	PtyVT100   PtyType = "vt100"
	PtyVT102   PtyType = "vt102"
	PtyVT220   PtyType = "vt220"
	PtyAnsi    PtyType = "ansi"
	PtyXterm   PtyType = "xterm"
)

func (p PtyType) Valid() bool {
	switch p {
	case PtyVanilla, PtyVT100, PtyVT102, PtyVT220, PtyAnsi, PtyXterm:
		return true
	}
	return false
}

func (p PtyType) String() string {
	return string(p)
}

// Credential carries either a password or key material. Key format
// validation is the transport's job.
type Credential struct {
	Password   string
	KeyBytes   []byte
	PublicKey  []byte
	Passphrase string
}

// Direction of a file transfer.
type Direction string

const (
	Upload   Direction = "upload"
	Download Direction = "download"
)

// FileEntry is one remote directory entry. The flags bitfield is
// platform-specific and passed through opaque.
type FileEntry struct {
	Name       string    `json:"name"`
	IsDir      bool      `json:"is_dir"`
	ModTime    time.Time `json:"mod_time"`
	AccessTime time.Time `json:"access_time"`
	Size       int64     `json:"size"`
	UID        uint32    `json:"uid"`
	GID        uint32    `json:"gid"`
	Flags      uint32    `json:"flags"`
}
