package session

// ChannelState is the lifecycle of one multiplexed channel (shell or SFTP).
type ChannelState int32

const (
	ChannelClosed ChannelState = iota
	ChannelOpening
	ChannelOpen
)

func (s ChannelState) String() string {
	switch s {
	case ChannelClosed:
		return "closed"
	case ChannelOpening:
		return "opening"
	case ChannelOpen:
		return "open"
	}
	return "unknown"
}

// openResult is one in-flight open shared by every caller that arrives
// while the channel is Opening: all of them see the same outcome, and only
// one underlying open command is ever sent.
type openResult struct {
	done chan struct{}
	out  string
	err  error
}
