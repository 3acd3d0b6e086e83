// Package mrtd reads an ICAO 9303 eMRTD chip protected by Basic Access
// Control and merges its data groups into a single Record.
//
// A read runs in stages: select the LDS1 applet, run BAC, read the files
// of the read set through secure messaging, then decode and aggregate them.
// The secure messaging session is closed when Read returns, whatever the
// outcome.
package mrtd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/gregLibert/mrtd-reader/pkg/bac"
	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
	"github.com/gregLibert/mrtd-reader/pkg/sm"
)

// Options tunes a Read.
type Options struct {
	// IncludeImages adds EF.DG2 and EF.DG5 to the read set.
	IncludeImages bool

	// ExtraFiles are read after the default set. Unknown identifiers are
	// skipped and duplicates read once.
	ExtraFiles []lds.FileID

	// BlockSize is the READ BINARY length, zero for DefaultBlockSize.
	BlockSize int

	// Rand supplies the terminal nonces. Nil means crypto/rand.
	Rand io.Reader

	Logger *slog.Logger
}

// ReadSet returns the files Read requests, in order. EF.DG1 is the only
// mandatory one.
func ReadSet(includeImages bool, extra []lds.FileID) []lds.FileID {
	set := []lds.FileID{lds.EFCOM, lds.EFDG1, lds.EFDG11, lds.EFSOD}
	if includeImages {
		set = append(set, lds.EFDG2, lds.EFDG5)
	}
	for _, id := range extra {
		if id.Known() && !slices.Contains(set, id) {
			set = append(set, id)
		}
	}
	return set
}

// ReadPassport reads the chip behind client with the default options.
func ReadPassport(client *iso7816.Client, key bac.Key, includeImages bool, extraFiles []lds.FileID) (*Record, error) {
	return Read(client, key, Options{IncludeImages: includeImages, ExtraFiles: extraFiles})
}

// Read authenticates to the chip with key and reads the files of the read
// set. Failures are reported as a *StageError. Files other than EF.DG1 the
// chip refuses or lacks end up in Record.Absent; secure messaging and
// transport errors end the read whichever file they hit.
func Read(client *iso7816.Client, key bac.Key, opts Options) (*Record, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	key, err := bac.NewKey(key.DocumentNumber, key.DateOfBirth, key.DateOfExpiry)
	if err != nil {
		return nil, &StageError{Stage: StageKey, Err: err}
	}

	cls, _ := iso7816.NewClass(0x00)
	resp, err := client.Transmit(iso7816.SelectApplet(cls, lds.AID))
	if err != nil {
		return nil, &StageError{Stage: StageSelectApplet, Err: err}
	}
	if resp.Status != iso7816.SW_NO_ERROR {
		return nil, &StageError{Stage: StageSelectApplet, Err: fmt.Errorf("%w (SW %04X)", ErrAppletNotFound, uint16(resp.Status))}
	}
	logger.Debug("applet selected")

	session, err := (&bac.Authenticator{Rand: opts.Rand, Logger: logger}).Authenticate(client, key)
	if err != nil {
		return nil, &StageError{Stage: StageAuthenticate, Err: err}
	}
	ch := sm.NewChannel(client, session)
	ch.Logger = logger
	defer ch.Close()
	logger.Debug("access control established")

	reader := NewFileReader(ch)
	reader.BlockSize = opts.BlockSize
	reader.Logger = logger

	files := make(map[lds.FileID]RawFile)
	faults := make(map[lds.FileID]error)
	for _, id := range ReadSet(opts.IncludeImages, opts.ExtraFiles) {
		f, err := reader.ReadFile(id)
		if err == nil {
			files[id] = f
			continue
		}
		var fe *FileError
		if id == lds.EFDG1 || !errors.As(err, &fe) {
			return nil, &StageError{Stage: readStage(id), Err: err}
		}
		logger.Debug("file skipped", "file", id, "err", err)
		faults[id] = err
	}

	rec, err := Aggregate(files, faults)
	if err != nil {
		return nil, &StageError{Stage: StageDecodeDG1, Err: err}
	}
	logger.Debug("passport read", "files", len(files), "absent", len(rec.Absent))
	return rec, nil
}
