package mailctx

import (
	"encoding/json"
	"net"
	"time"
)

// SkipTag marks a pipeline stage skip requested by policy.
type SkipTag string

// MessageMetadata carries bookkeeping created at MAIL FROM and finalized at
// DATA end.
type MessageMetadata struct {
	Timestamp time.Time
	MessageID string
	Retry     int
	Skipped   SkipTag
}

// Credentials records the authenticated identity of a connection, once
// AUTH succeeds.
type Credentials struct {
	User   string
	Domain string
}

// Connection holds the facts about the transport the mail arrived over.
type Connection struct {
	PeerAddr          net.Addr
	ServerName        string
	Timestamp         time.Time
	IsSecured         bool
	IsAuthenticated   bool
	Credentials       *Credentials
}

// MailContext is the in-memory envelope + body + metadata carried across
// the SMTP pipeline stages and, once queued, serialized to disk.
type MailContext struct {
	Connection Connection
	Envelope   Envelope
	Body       Body
	Metadata   *MessageMetadata
}

// textAddr is a net.Addr reconstructed from its serialized network/string
// pair. Once a connection is queued to disk we never dial it again, so a
// faithful net.Addr (vs. the original *net.TCPAddr) is all callers need.
type textAddr struct {
	network string
	addr    string
}

func (a textAddr) Network() string { return a.network }
func (a textAddr) String() string  { return a.addr }

type connectionJSON struct {
	PeerAddrNetwork string
	PeerAddr        string
	ServerName      string
	Timestamp       time.Time
	IsSecured       bool
	IsAuthenticated bool
	Credentials     *Credentials
}

// MarshalJSON renders PeerAddr as a (network, string) pair: net.Addr is an
// interface, and encoding/json cannot round-trip an interface value without
// knowing which concrete type to allocate on the way back in.
func (c Connection) MarshalJSON() ([]byte, error) {
	cj := connectionJSON{
		ServerName:      c.ServerName,
		Timestamp:       c.Timestamp,
		IsSecured:       c.IsSecured,
		IsAuthenticated: c.IsAuthenticated,
		Credentials:     c.Credentials,
	}
	if c.PeerAddr != nil {
		cj.PeerAddrNetwork = c.PeerAddr.Network()
		cj.PeerAddr = c.PeerAddr.String()
	}
	return json.Marshal(cj)
}

func (c *Connection) UnmarshalJSON(data []byte) error {
	var cj connectionJSON
	if err := json.Unmarshal(data, &cj); err != nil {
		return err
	}
	*c = Connection{
		ServerName:      cj.ServerName,
		Timestamp:       cj.Timestamp,
		IsSecured:       cj.IsSecured,
		IsAuthenticated: cj.IsAuthenticated,
		Credentials:     cj.Credentials,
	}
	if cj.PeerAddr != "" {
		c.PeerAddr = textAddr{network: cj.PeerAddrNetwork, addr: cj.PeerAddr}
	}
	return nil
}

var _ net.Addr = textAddr{}

// ResetTransaction clears everything RSET (and a fresh MAIL FROM) clears,
// keeping the connection-level facts (HELO, TLS state, auth) intact.
func (m *MailContext) ResetTransaction() {
	m.Envelope.Reset()
	m.Body = EmptyBody()
	m.Metadata = nil
}
