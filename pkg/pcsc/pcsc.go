// Package pcsc connects to a contactless reader through PC/SC and exposes the
// card as an iso7816.Transmitter.
package pcsc

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ebfe/scard"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
)

var ErrNoReader = errors.New("no smart card reader found")

// Connection wraps a PC/SC context and the card connected through it.
type Connection struct {
	ctx    *scard.Context
	Card   *scard.Card
	Reader string
}

// Readers lists the readers known to the PC/SC service.
func Readers() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish context: %w", err)
	}
	defer ctx.Release()

	readers, err := ctx.ListReaders()
	if err != nil {
		return nil, fmt.Errorf("list readers: %w", err)
	}
	return readers, nil
}

// Connect opens the reader at index, or the first reader whose name contains
// name when name is not empty, and waits up to wait for a card to be presented.
// A zero wait expects the card to be on the reader already.
func Connect(index int, name string, wait time.Duration) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("establish context: %w", err)
	}

	reader, err := pickReader(ctx, index, name)
	if err != nil {
		ctx.Release()
		return nil, err
	}

	if wait > 0 {
		if err := waitForCard(ctx, reader, wait); err != nil {
			ctx.Release()
			return nil, err
		}
	}

	// T=0 or T=1 explicitly: some readers reject ProtocolAny with 0x80100004.
	card, err := ctx.Connect(reader, scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		ctx.Release()
		return nil, fmt.Errorf("connect %q: %w", reader, classify(err))
	}
	return &Connection{ctx: ctx, Card: card, Reader: reader}, nil
}

func pickReader(ctx *scard.Context, index int, name string) (string, error) {
	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		return "", fmt.Errorf("%w: %v", ErrNoReader, err)
	}
	if name != "" {
		for _, r := range readers {
			if strings.Contains(r, name) {
				return r, nil
			}
		}
		return "", fmt.Errorf("%w: no reader matches %q", ErrNoReader, name)
	}
	if index < 0 || index >= len(readers) {
		return "", fmt.Errorf("reader index %d out of range (0..%d)", index, len(readers)-1)
	}
	return readers[index], nil
}

func waitForCard(ctx *scard.Context, reader string, wait time.Duration) error {
	states := []scard.ReaderState{{Reader: reader, CurrentState: scard.StateUnaware}}
	deadline := time.Now().Add(wait)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return fmt.Errorf("no card on %q: %w", reader, iso7816.ErrTimeout)
		}
		err := ctx.GetStatusChange(states, min(remaining, time.Second))
		if err != nil && !errors.Is(err, scard.ErrTimeout) {
			return fmt.Errorf("status of %q: %w", reader, err)
		}
		if states[0].EventState&scard.StatePresent != 0 {
			return nil
		}
		states[0].CurrentState = states[0].EventState
	}
}

// Close disconnects the card and releases the PC/SC context.
func (c *Connection) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	if c.Card != nil {
		errs = append(errs, c.Card.Disconnect(scard.LeaveCard))
	}
	if c.ctx != nil {
		errs = append(errs, c.ctx.Release())
	}
	return errors.Join(errs...)
}

// Transmit sends one raw APDU. A card taken off the reader gives an error
// wrapping iso7816.ErrDisconnected.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("connection not established: %w", iso7816.ErrDisconnected)
	}
	resp, err := c.Card.Transmit(apdu)
	if err != nil {
		return nil, classify(err)
	}
	return resp, nil
}

// classify ties PC/SC errors to the transport sentinels.
func classify(err error) error {
	var code scard.Error
	if !errors.As(err, &code) {
		return err
	}
	switch code {
	case scard.ErrRemovedCard, scard.ErrResetCard, scard.ErrNoSmartcard,
		scard.ErrUnpoweredCard, scard.ErrUnresponsiveCard, scard.ErrReaderUnavailable:
		return fmt.Errorf("%w: %w", iso7816.ErrDisconnected, err)
	case scard.ErrTimeout:
		return fmt.Errorf("%w: %w", iso7816.ErrTimeout, err)
	default:
		return err
	}
}
