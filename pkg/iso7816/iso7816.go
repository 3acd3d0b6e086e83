/*
Package iso7816 implements the ISO/IEC 7816-4 command layer an eMRTD inspection system needs: Command and Response APDUs, Status Word analysis, the command builders for SELECT, GET CHALLENGE, MUTUAL AUTHENTICATE and READ BINARY, and a Client that exchanges APDUs with a card.

# Fundamentals

The communication with a smart card is strictly synchronous:
 1. The Host sends a Command APDU (Header + Optional Body).
 2. The Card processes it and returns a Response APDU (Optional Body + Trailer SW1/SW2).

A Client keeps exactly one command in flight. Anything able to move raw APDUs implements Transmitter: a PC/SC connection, or the chip emulator in tests.

# Status Words

Every response ends with a 2-byte Status Word (SW).
  - 0x9000: Success (OK).
  - 0x61XX: Success, but response data is still available (XX bytes).
  - 0x6CXX: Error, wrong length expectation (XX is the correct length).
  - 0x6282: End of file reached before Ne bytes were read.
  - Other: Various error conditions.

Client.Send handles 61XX with GET RESPONSE and 6CXX by resending with the corrected Le, and records every step in a Trace.

# Length Negotiation

Short APDUs carry at most 255 data bytes and request at most 256. With ExtendedLength set both limits grow to 65535 / 65536. READ BINARY offsets above 0x7FFF need the odd instruction B1 with an offset data object.

# Usage Example: Reading a File

	client := iso7816.NewClient(card)
	cla, _ := iso7816.NewClass(0x00)

	if _, err := client.Send(iso7816.SelectEF(cla, 0x011E)); err != nil {
	    log.Fatal(err)
	}

	cmd, _ := iso7816.ReadBinary(cla, 0, 4)
	trace, err := client.Send(cmd)
	if err != nil {
	    log.Fatal(err)
	}
	fmt.Printf("%X %s\n", trace.Last().Response.Data, trace.Last().Response.Status.Verbose())

Errors from the Transmitter come back as *TransportError, matching ErrTimeout or ErrDisconnected with errors.Is.
*/
package iso7816
