package sm

import (
	"log/slog"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
)

// Overhead is the number of response bytes secure messaging adds around the
// plain data: DO'87' header and padding indicator, up to one padding block,
// DO'99' and DO'8E'.
const Overhead = 4 + BlockSize + 4 + 10

// Channel sends plain commands through a secure messaging session.
type Channel struct {
	Client  *iso7816.Client
	Session *Session
	Logger  *slog.Logger
}

// NewChannel binds a session to the client it was negotiated on.
func NewChannel(client *iso7816.Client, session *Session) *Channel {
	return &Channel{Client: client, Session: session, Logger: slog.Default()}
}

// Transmit protects cmd, exchanges it and returns the verified plain response.
// A transport failure ends the session: the card state is unknown afterwards.
func (c *Channel) Transmit(cmd *iso7816.CommandAPDU) (*iso7816.ResponseAPDU, error) {
	wrapped, err := c.Session.Protect(cmd)
	if err != nil {
		return nil, err
	}

	trace, err := c.Client.Send(wrapped)
	if err != nil {
		c.Session.fail(err)
		return nil, err
	}

	resp, err := c.Session.Unprotect(trace.Last().Response)
	if err != nil {
		return nil, err
	}

	if c.Logger != nil {
		c.Logger.Debug("sm exchange",
			"ins", cmd.Instruction.Raw.String(),
			"p1p2", uint16(cmd.P1)<<8|uint16(cmd.P2),
			"sw", resp.Status.Verbose(),
			"len", len(resp.Data))
	}
	return resp, nil
}

// MaxResponseData returns the largest plain data size that still fits the
// link's response limit once wrapped.
func (c *Channel) MaxResponseData() int {
	return c.Client.MaxResponseData() - Overhead
}

// Close ends the session and wipes its keys.
func (c *Channel) Close() {
	c.Session.Close()
}
