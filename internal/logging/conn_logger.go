package logging

import (
	"log/slog"
	"net"
)

// NewConnLogger scopes base with the fixed fields every channel log line
// carries (a short connection id and the peer address), the same way the
// teacher scopes a logger per backup session — but via slog.With instead of
// a dedicated per-connection file, since an HTTP channel is short-lived and
// high-volume where a backup session is long-lived and rare.
func NewConnLogger(base *slog.Logger, channelID string, addr net.Addr) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	remote := ""
	if addr != nil {
		remote = addr.String()
	}
	return base.With("channel_id", channelID, "remote_addr", remote)
}
