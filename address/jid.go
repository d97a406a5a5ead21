// Package address implements the JID identifier used throughout the relay
// core: a (user, device, server) triple plus the domain-type it belongs to.
//
// It is grounded on the teacher's transport.NetworkAddress — a typed,
// string-serializable address with an explicit validation step — applied
// to the phone-number/LID addressing scheme instead of network transports.
package address

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/opd-ai/wacore/waerrors"
)

// Server identifies which of the four recognized domains a JID belongs to.
type Server string

const (
	// ServerPN is the regular phone-number identity domain.
	ServerPN Server = "s.whatsapp.net"
	// ServerLID is the newer logical-identity domain.
	ServerLID Server = "lid"
	// ServerHosted is the hosted phone-number domain; devices are fixed at 99.
	ServerHosted Server = "hosted"
	// ServerHostedLID is the hosted logical-identity domain; devices are fixed at 99.
	ServerHostedLID Server = "hosted.lid"
	// ServerGroup is the multi-user chat domain.
	ServerGroup Server = "g.us"
	// ServerBroadcast is the status-broadcast pseudo-domain.
	ServerBroadcast Server = "broadcast"
	// ServerNewsletter is the newsletter pseudo-domain.
	ServerNewsletter Server = "newsletter"
)

// HostedDevice is the fixed device id that must accompany ServerHosted and
// ServerHostedLID JIDs.
const HostedDevice = 99

// JID is the address of a user or a specific device of a user.
type JID struct {
	User   string
	Device int
	Server Server
}

// NewJID builds a device-qualified JID and validates the device-99 invariant.
func NewJID(user string, device int, server Server) (JID, error) {
	jid := JID{User: user, Device: device, Server: server}
	if err := jid.Validate(); err != nil {
		return JID{}, err
	}
	return jid, nil
}

// NewUserJID builds a user-level JID (device 0, omitted in wire form).
func NewUserJID(user string, server Server) JID {
	return JID{User: user, Device: 0, Server: server}
}

// Validate enforces the device-99-only-on-hosted-servers invariant.
func (j JID) Validate() error {
	if j.User == "" {
		return fmt.Errorf("empty user: %w", waerrors.ErrInvalidJid)
	}
	if j.Device == HostedDevice && j.Server != ServerHosted && j.Server != ServerHostedLID {
		return fmt.Errorf("device 99 on non-hosted server %q: %w", j.Server, waerrors.ErrInvalidJid)
	}
	return nil
}

// IsPN reports whether the JID belongs to a phone-number domain.
func (j JID) IsPN() bool {
	return j.Server == ServerPN || j.Server == ServerHosted
}

// IsLID reports whether the JID belongs to a logical-identity domain.
func (j JID) IsLID() bool {
	return j.Server == ServerLID || j.Server == ServerHostedLID
}

// IsHosted reports whether the JID's server is one of the hosted domains.
func (j JID) IsHosted() bool {
	return j.Server == ServerHosted || j.Server == ServerHostedLID
}

// IsGroup reports whether the JID addresses a group chat.
func (j JID) IsGroup() bool {
	return j.Server == ServerGroup
}

// ToUserJID drops the device component, returning the user-level address.
func (j JID) ToUserJID() JID {
	return JID{User: j.User, Device: 0, Server: j.Server}
}

// WithDevice returns a copy of the JID carrying the given device id,
// re-validating the device-99 invariant.
func (j JID) WithDevice(device int) (JID, error) {
	out := JID{User: j.User, Device: device, Server: j.Server}
	if err := out.Validate(); err != nil {
		return JID{}, err
	}
	return out, nil
}

// String renders the JID in wire form: user[:device]@server. Device 0 is
// omitted.
func (j JID) String() string {
	if j.Device == 0 {
		return fmt.Sprintf("%s@%s", j.User, j.Server)
	}
	return fmt.Sprintf("%s:%d@%s", j.User, j.Device, j.Server)
}

// SignalAddress returns the (signal-user, device) address string used to
// key Signal sessions and sender keys: the bare user for PN identities
// (regular and hosted servers alike), or user + "_1" for LID identities
// (lid and hosted.lid servers). A hosted server adds no suffix of its own.
func (j JID) SignalAddress() string {
	domainType := j.domainTypeInt()
	if domainType == 0 {
		return j.User
	}
	return fmt.Sprintf("%s_%d", j.User, domainType)
}

// domainTypeInt maps the server to the small integer used in Signal
// addresses for non-regular identities. 0 means "regular", i.e. no suffix.
func (j JID) domainTypeInt() int {
	switch j.Server {
	case ServerPN:
		return 0
	case ServerLID:
		return 1
	case ServerHosted:
		return 0
	case ServerHostedLID:
		return 1
	default:
		return 0
	}
}

// Parse decodes the wire form user[:device]@server into a JID.
func Parse(s string) (JID, error) {
	at := strings.LastIndex(s, "@")
	if at < 0 {
		return JID{}, fmt.Errorf("no @ in %q: %w", s, waerrors.ErrInvalidJid)
	}
	left, server := s[:at], Server(s[at+1:])

	user := left
	device := 0
	if colon := strings.LastIndex(left, ":"); colon >= 0 {
		d, err := strconv.Atoi(left[colon+1:])
		if err != nil {
			return JID{}, fmt.Errorf("bad device in %q: %w", s, waerrors.ErrInvalidJid)
		}
		user = left[:colon]
		device = d
	}

	return NewJID(user, device, server)
}

// ServerForDevice chooses the LID-family server to use when rehoming a
// device number onto a LID identity: hosted.lid for device 99, else lid.
func ServerForDevice(device int) Server {
	if device == HostedDevice {
		return ServerHostedLID
	}
	return ServerLID
}

// PNServerForHosted chooses between the regular PN server and the hosted
// PN server based on whether the source was hosted.
func PNServerForHosted(wasHosted bool) Server {
	if wasHosted {
		return ServerHosted
	}
	return ServerPN
}
