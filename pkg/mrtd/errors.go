package mrtd

import (
	"errors"
	"fmt"

	"github.com/gregLibert/mrtd-reader/pkg/iso7816"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
)

var (
	ErrFileNotFound     = errors.New("file not found")
	ErrAccessDenied     = errors.New("access denied")
	ErrUnexpectedStatus = errors.New("unexpected status")
	ErrTruncatedFile    = errors.New("file shorter than its length header")
	ErrAppletNotFound   = errors.New("eMRTD applet not found")
)

// FileError reports a file the chip would not hand over. It is not fatal to
// the session: the next file can still be read.
type FileError struct {
	ID  lds.FileID
	SW  iso7816.StatusWord
	Err error
}

func (e *FileError) Error() string {
	if e.SW != 0 {
		return fmt.Sprintf("%s: %v (SW %04X)", e.ID, e.Err, uint16(e.SW))
	}
	return fmt.Sprintf("%s: %v", e.ID, e.Err)
}

func (e *FileError) Unwrap() error {
	return e.Err
}

// statusError maps the status word of a SELECT or READ BINARY to a FileError.
func statusError(id lds.FileID, sw iso7816.StatusWord) error {
	switch sw {
	case iso7816.SW_NO_ERROR:
		return nil
	case iso7816.SW_ERR_FILE_NOT_FOUND:
		return &FileError{ID: id, SW: sw, Err: ErrFileNotFound}
	case iso7816.SW_ERR_SECURITY_STATUS_NOT_SAT:
		return &FileError{ID: id, SW: sw, Err: ErrAccessDenied}
	default:
		return &FileError{ID: id, SW: sw, Err: ErrUnexpectedStatus}
	}
}

// Stages reported by StageError.
const (
	StageKey          = "check key"
	StageSelectApplet = "select applet"
	StageAuthenticate = "authenticate"
	StageDecodeDG1    = "decode EF_DG1"
)

// StageError names the step of Read that failed.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("mrtd %s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

func readStage(id lds.FileID) string {
	return "read " + id.String()
}
