package iso7816

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CLIENT & PROTOCOL LOGIC:
// The Client acts as a high-level driver over the physical connection.
//
// Exchange() is the raw link: one command in flight at a time, bounded by
// Timeout. A timeout or a lost link is final for the client; retrying is the
// caller's decision and needs a new connection.
//
// Send() adds the ISO 7816-3 transport behaviors that T=0 readers expose to the
// application layer:
//
// 1. "61 XX" (Response Available):
//    The client issues GET RESPONSE with Le = XX.
//
// 2. "6C XX" (Wrong Length):
//    The client re-sends the command with Le = XX. This is skipped for
//    secure messaging commands: re-sending would reuse a consumed send
//    sequence counter value.
//
// The Send() method returns a Trace, which is a log of all atomic transactions
// occurred to fulfill the logical request.

// DefaultTimeout bounds a single exchange when Client.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Transmitter abstracts the physical card connection.
type Transmitter interface {
	Transmit(cmd []byte) ([]byte, error)
}

// Client manages the high-level communication with the card.
type Client struct {
	Card Transmitter

	// Timeout bounds each exchange. Zero means DefaultTimeout.
	Timeout time.Duration

	// ExtendedLength allows extended Lc/Le fields. Both the reader and the
	// chip must support them.
	ExtendedLength bool

	// Logger receives APDU traces at debug level. Nil disables tracing.
	Logger *slog.Logger

	mu     sync.Mutex
	broken error
}

// NewClient creates a new Client instance with the default timeout and short
// length fields.
func NewClient(card Transmitter) *Client {
	return &Client{Card: card, Timeout: DefaultTimeout}
}

// MaxCommandData returns the largest data field a command may carry on this link.
func (c *Client) MaxCommandData() int {
	if c.ExtendedLength {
		return MaxExtendedLc
	}
	return MaxShortLc
}

// MaxResponseData returns the largest response data field that can be requested.
func (c *Client) MaxResponseData() int {
	if c.ExtendedLength {
		return MaxExtendedLe
	}
	return MaxShortLe
}

type exchangeResult struct {
	resp []byte
	err  error
}

// Exchange sends a raw command and returns the raw response.
func (c *Client) Exchange(cmd []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.broken != nil {
		return nil, &TransportError{Op: "exchange", Err: ErrDisconnected, Cause: c.broken}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	if c.Logger != nil {
		c.Logger.Debug("apdu >>", "cmd", fmt.Sprintf("% X", cmd))
	}

	done := make(chan exchangeResult, 1)
	go func() {
		resp, err := c.Card.Transmit(cmd)
		done <- exchangeResult{resp: resp, err: err}
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.err != nil {
			c.broken = r.err
			if errors.Is(r.err, ErrTimeout) {
				return nil, &TransportError{Op: "transmit", Err: ErrTimeout, Cause: r.err}
			}
			return nil, &TransportError{Op: "transmit", Err: ErrDisconnected, Cause: r.err}
		}
		if c.Logger != nil {
			c.Logger.Debug("apdu <<", "resp", fmt.Sprintf("% X", r.resp))
		}
		return r.resp, nil

	case <-timer.C:
		c.broken = ErrTimeout
		return nil, &TransportError{Op: "transmit", Err: ErrTimeout}
	}
}

// Send transmits a command and handles protocol logic (61xx, 6Cxx).
func (c *Client) Send(cmd *CommandAPDU) (Trace, error) {
	rawCmd, err := cmd.Encode(c.ExtendedLength)
	if err != nil {
		return nil, fmt.Errorf("encoding error: %w", err)
	}
	if c.Logger != nil {
		c.Logger.Debug("apdu", "command", cmd.String())
	}

	rawResp, err := c.Exchange(rawCmd)
	if err != nil {
		return nil, err
	}

	resp, err := ParseResponseAPDU(rawResp)
	if err != nil {
		return nil, err
	}

	trace := Trace{{Command: cmd, Response: resp}}

	sw1 := resp.Status.SW1()
	sw2 := resp.Status.SW2()

	// Case 61XX: More data available -> Issue GET RESPONSE
	if sw1 == 0x61 {
		// ISO 7816-4: GET RESPONSE must use the same logical channel as the original command.
		respCls := cmd.Class
		respCls.IsChained = false
		respCls.SecureMessaging = SMNone

		ins, _ := NewInstruction(INS_GET_RESPONSE)

		ne := int(sw2)
		if ne == 0 {
			ne = MaxShortLe
		}
		getRespCmd := NewCommandAPDU(respCls, ins, 0x00, 0x00, nil, ne)

		subTrace, err := c.Send(getRespCmd)
		if err != nil {
			return trace, err
		}
		return append(trace, subTrace...), nil
	}

	// Case 6CXX: Wrong Length -> Re-issue original command with correct Le
	if sw1 == 0x6C && !cmd.Class.IsSecure() {
		newCmd := *cmd
		newCmd.Ne = int(sw2)
		if newCmd.Ne == 0 {
			newCmd.Ne = MaxShortLe
		}
		if newCmd.Ne == cmd.Ne {
			return trace, nil
		}

		subTrace, err := c.Send(&newCmd)
		if err != nil {
			return trace, err
		}
		return append(trace, subTrace...), nil
	}

	return trace, nil
}

// Transmit sends a command and returns the final response of its trace.
func (c *Client) Transmit(cmd *CommandAPDU) (*ResponseAPDU, error) {
	trace, err := c.Send(cmd)
	if err != nil {
		return nil, err
	}
	return trace.Last().Response, nil
}
