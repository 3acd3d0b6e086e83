// Package verify runs ICAO 9303 passive authentication over the files read
// from a chip: the EF.SOD signature is checked against a CSCA pool and every
// data group read is hashed against the SOD.
package verify

import (
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/gmrtd/gmrtd/cms"
	"github.com/gmrtd/gmrtd/document"
	"github.com/gmrtd/gmrtd/passiveauth"
	"github.com/gregLibert/mrtd-reader/pkg/lds"
)

var (
	ErrNoSOD       = errors.New("EF_SOD was not read")
	ErrNoDG1       = errors.New("EF_DG1 was not read")
	ErrFailed      = errors.New("passive authentication failed")
	ErrNoCertBlock = errors.New("no certificate found")
)

// parseOptional parses a data group the passive authentication can live
// without. A file gmrtd cannot decode is left out and logged.
func parseOptional[T any](id lds.FileID, data []byte, parse func([]byte) (*T, error)) *T {
	v, err := parse(data)
	if err != nil {
		slog.Info("skipping data group", "file", id, "error", err)
		return nil
	}
	return v
}

// Document builds the gmrtd view of the raw files read from a chip. EF.SOD
// and EF.DG1 are required.
func Document(files map[lds.FileID][]byte) (*document.Document, error) {
	sod, ok := files[lds.EFSOD]
	if !ok {
		return nil, ErrNoSOD
	}
	dg1, ok := files[lds.EFDG1]
	if !ok {
		return nil, ErrNoDG1
	}

	var (
		doc document.Document
		err error
	)
	if doc.Mf.Lds1.Sod, err = document.NewSOD(sod); err != nil {
		return nil, fmt.Errorf("parse %s: %w", lds.EFSOD, err)
	}
	if doc.Mf.Lds1.Dg1, err = document.NewDG1(dg1); err != nil {
		return nil, fmt.Errorf("parse %s: %w", lds.EFDG1, err)
	}

	for id, data := range files {
		switch id {
		case lds.EFDG2:
			doc.Mf.Lds1.Dg2 = parseOptional(id, data, document.NewDG2)
		case lds.EFDG7:
			doc.Mf.Lds1.Dg7 = parseOptional(id, data, document.NewDG7)
		case lds.EFDG11:
			doc.Mf.Lds1.Dg11 = parseOptional(id, data, document.NewDG11)
		case lds.EFDG12:
			doc.Mf.Lds1.Dg12 = parseOptional(id, data, document.NewDG12)
		case lds.EFDG13:
			doc.Mf.Lds1.Dg13 = parseOptional(id, data, document.NewDG13)
		case lds.EFDG14:
			doc.Mf.Lds1.Dg14 = parseOptional(id, data, document.NewDG14)
		case lds.EFDG15:
			doc.Mf.Lds1.Dg15 = parseOptional(id, data, document.NewDG15)
		case lds.EFDG16:
			doc.Mf.Lds1.Dg16 = parseOptional(id, data, document.NewDG16)
		}
	}
	return &doc, nil
}

// Passive checks files against pool.
func Passive(files map[lds.FileID][]byte, pool cms.CertPool) error {
	doc, err := Document(files)
	if err != nil {
		return err
	}

	slog.Debug("starting passive authentication", "files", len(files))
	res, err := passiveauth.PassiveAuth(doc, pool)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrFailed, err)
	}
	if !res.Success {
		return ErrFailed
	}
	return nil
}

// DefaultPool returns the CSCA master list bundled with gmrtd.
func DefaultPool() (cms.CertPool, error) {
	pool, err := cms.DefaultMasterList()
	if err != nil {
		return nil, fmt.Errorf("load default master list: %w", err)
	}
	return pool, nil
}

// LoadCSCA reads the CSCA certificates at path. The file holds either PEM
// CERTIFICATE blocks or a single DER certificate.
func LoadCSCA(path string) (*cms.GenericCertPool, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read csca file: %w", err)
	}

	pool := &cms.GenericCertPool{}
	var n int
	for rest := content; ; {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if err := pool.Add(block.Bytes); err != nil {
			return nil, fmt.Errorf("certificate %d in %s: %w", n, path, err)
		}
		n++
	}

	if n == 0 {
		if len(content) == 0 || content[0] != 0x30 {
			return nil, fmt.Errorf("%s: %w", path, ErrNoCertBlock)
		}
		if err := pool.Add(content); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		n = 1
	}
	slog.Debug("csca certificates loaded", "path", path, "count", n)
	return pool, nil
}
