// Package protocol implements the delimiter-framed text wire format shared by
// the relay server and its clients. A frame is one UTF-8 message terminated by
// the Delimiter literal; bodies must never contain the delimiter, senders are
// expected to reject such input before it reaches the wire.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// Delimiter terminates every frame on the wire.
	Delimiter = "|||"
	// ExitMarker is the out-of-band literal a client sends to disconnect
	// intentionally. It can never collide with chat text because it is
	// rejected inside usernames and stripped from the chat input path.
	ExitMarker = "__EXIT__"

	MaxUsernameRunes = 20
)

// Wire tags. Outbound server frames start with one of these.
const (
	TagLoginOK  = "【成功】"
	TagLoginErr = "【错误】"
	TagSystem   = "【系统通知】"
	TagRoster   = "【当前在线】"
	TagPrivate  = "[私聊]"

	// RosterNone renders an empty roster.
	RosterNone = "none"
)

var (
	ErrNameEmpty        = errors.New("username is empty")
	ErrNameTooLong      = fmt.Errorf("username exceeds %d characters", MaxUsernameRunes)
	ErrNameReserved     = errors.New("username contains a reserved token")
	ErrBodyHasDelimiter = errors.New("message body contains the frame delimiter")
	ErrMalformedPrivate = errors.New("private message must be '@target body'")
)

// reservedTokens may not appear anywhere inside a username.
var reservedTokens = []string{Delimiter, ExitMarker, "@", "[", "]"}

// ValidateUsername checks an already-trimmed candidate username against the
// admission rules. Length is counted in runes so CJK names get the full
// twenty characters.
func ValidateUsername(name string) error {
	if name == "" {
		return ErrNameEmpty
	}
	if utf8.RuneCountInString(name) > MaxUsernameRunes {
		return ErrNameTooLong
	}
	for _, tok := range reservedTokens {
		if strings.Contains(name, tok) {
			return ErrNameReserved
		}
	}
	return nil
}

// Kind classifies an inbound frame after admission.
type Kind int

const (
	KindGroup Kind = iota
	KindPrivate
	KindExit
)

// Inbound is one parsed client frame.
type Inbound struct {
	Kind   Kind
	Target string // private messages only
	Body   string
}

// Classify parses a decoded, trimmed, non-empty frame into an Inbound.
// A leading '@' introduces a private target terminated by the first space;
// the exit marker signals intentional disconnect; everything else is group
// text.
func Classify(raw string) (Inbound, error) {
	if raw == ExitMarker {
		return Inbound{Kind: KindExit}, nil
	}
	if strings.HasPrefix(raw, "@") {
		rest := raw[1:]
		i := strings.Index(rest, " ")
		if i <= 0 {
			return Inbound{}, ErrMalformedPrivate
		}
		body := strings.TrimSpace(rest[i+1:])
		if body == "" {
			return Inbound{}, ErrMalformedPrivate
		}
		return Inbound{Kind: KindPrivate, Target: rest[:i], Body: body}, nil
	}
	return Inbound{Kind: KindGroup, Body: raw}, nil
}

// EncodeInbound serializes a client-side message into its wire frame.
// Bodies containing the delimiter are rejected rather than escaped.
func EncodeInbound(m Inbound) ([]byte, error) {
	switch m.Kind {
	case KindExit:
		return []byte(ExitMarker + Delimiter), nil
	case KindPrivate:
		if strings.Contains(m.Body, Delimiter) || strings.Contains(m.Target, Delimiter) {
			return nil, ErrBodyHasDelimiter
		}
		return []byte("@" + m.Target + " " + m.Body + Delimiter), nil
	default:
		if strings.Contains(m.Body, Delimiter) {
			return nil, ErrBodyHasDelimiter
		}
		return []byte(m.Body + Delimiter), nil
	}
}

// Decoder reassembles frames from a raw byte stream. One Decoder per
// connection; it is not safe for concurrent use.
type Decoder struct {
	buf []byte
}

// Push appends incoming bytes and returns every complete frame now
// available, trimmed, with empty fragments from adjacent delimiters
// discarded. Incomplete trailing bytes stay buffered for the next Push.
func (d *Decoder) Push(p []byte) []string {
	d.buf = append(d.buf, p...)
	if !bytes.Contains(d.buf, []byte(Delimiter)) {
		return nil
	}
	parts := strings.Split(string(d.buf), Delimiter)
	d.buf = []byte(parts[len(parts)-1])

	frames := make([]string, 0, len(parts)-1)
	for _, part := range parts[:len(parts)-1] {
		if f := strings.TrimSpace(part); f != "" {
			frames = append(frames, f)
		}
	}
	return frames
}

// Pending reports how many bytes are buffered awaiting a delimiter.
func (d *Decoder) Pending() int { return len(d.buf) }

func timestamp() string {
	return time.Now().Format("15:04:05")
}

// JoinRoster renders an online list for the wire.
func JoinRoster(names []string) string {
	if len(names) == 0 {
		return RosterNone
	}
	return strings.Join(names, ",")
}

// EncodeGroup is the server-forwarded form of a group message.
func EncodeGroup(sender, body string) []byte {
	return []byte("[" + sender + "] " + body + Delimiter)
}

// EncodePrivate is the server-forwarded form of a private message.
func EncodePrivate(sender, body string) []byte {
	return []byte(TagPrivate + "[" + sender + "] " + body + Delimiter)
}

// EncodeNotice wraps a system notice with the system tag and a timestamp.
func EncodeNotice(body string) []byte {
	return []byte(TagSystem + timestamp() + "\n" + body + Delimiter)
}

// EncodeLoginResult builds the admission response frame. The reason is only
// rendered on failure.
func EncodeLoginResult(ok bool, reason string) []byte {
	if ok {
		return []byte(TagLoginOK + timestamp() + "\n登录成功！" + Delimiter)
	}
	return []byte(TagLoginErr + timestamp() + "\n登录失败：" + reason + Delimiter)
}

// EncodeRoster builds the "current online list" frame that follows every
// login result.
func EncodeRoster(names []string) []byte {
	return []byte(TagRoster + JoinRoster(names) + Delimiter)
}
