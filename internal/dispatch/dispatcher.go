// Package dispatch routes parsed inbound messages to their recipients and
// builds the server-side system notices. Delivery is best effort: a recipient
// that cannot be reached is never removed here; its own connection handler is
// responsible for detecting its failure and deregistering it.
package dispatch

import (
	"log/slog"

	"github.com/Midori31/SimpleChatApp/pkg/directory"
	"github.com/Midori31/SimpleChatApp/pkg/protocol"
)

type Dispatcher struct {
	logger *slog.Logger
	dir    *directory.Directory
}

func New(logger *slog.Logger, dir *directory.Directory) *Dispatcher {
	return &Dispatcher{
		logger: logger.With(slog.String("component", "dispatcher")),
		dir:    dir,
	}
}

// Broadcast fans a group message out to every online user except the sender.
func (d *Dispatcher) Broadcast(sender, body string) {
	frame := protocol.EncodeGroup(sender, body)
	for name, sink := range d.dir.SnapshotSinks() {
		if name == sender {
			continue
		}
		sink.Send(frame)
	}
}

// Private delivers a private message to a single target and reports whether
// the target was online. The sender's handler surfaces a miss as a notice;
// it never affects the sender's connection.
func (d *Dispatcher) Private(sender, target, body string) bool {
	sink, ok := d.dir.Lookup(target)
	if !ok {
		d.logger.Debug("private delivery failed, target offline",
			slog.String("sender", sender),
			slog.String("target", target),
		)
		return false
	}
	sink.Send(protocol.EncodePrivate(sender, body))
	return true
}

// NotifyLogin announces a new user plus the refreshed roster to everyone
// else.
func (d *Dispatcher) NotifyLogin(username string) {
	roster := protocol.JoinRoster(d.dir.Snapshot())
	d.notifyAll("用户 "+username+" 已上线！当前在线："+roster, username)
}

// NotifyLogout announces a departed user plus the refreshed roster to the
// remaining users. The caller unregisters the user first, so the roster in
// the notice no longer contains them.
func (d *Dispatcher) NotifyLogout(username string) {
	roster := protocol.JoinRoster(d.dir.Snapshot())
	d.notifyAll("用户 "+username+" 已下线！当前在线："+roster, "")
}

// NotifyAll pushes a system notice to every online user.
func (d *Dispatcher) NotifyAll(body string) {
	d.notifyAll(body, "")
}

func (d *Dispatcher) notifyAll(body, exclude string) {
	frame := protocol.EncodeNotice(body)
	for name, sink := range d.dir.SnapshotSinks() {
		if exclude != "" && name == exclude {
			continue
		}
		sink.Send(frame)
	}
}
