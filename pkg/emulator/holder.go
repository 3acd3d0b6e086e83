package emulator

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gregLibert/mrtd-reader/pkg/lds"
)

// Holder describes the document personalised onto an emulated chip.
type Holder struct {
	// MRZ lines as printed, TD1, TD2 or TD3.
	MRZ []string
	// Details becomes EF.DG11 when set.
	Details *lds.DG11
	// Face becomes EF.DG2 when set.
	Face *lds.FaceImage
	// Extra files are stored as given, e.g. EF.SOD or EF.DG14.
	Extra map[lds.FileID][]byte
}

// Personalize builds the LDS files for h and returns a chip opened by the
// MRZ's document number, date of birth and date of expiry. EF.COM lists every
// data group written.
func Personalize(h Holder) (*Chip, error) {
	mrz, err := lds.ParseMRZ(strings.Join(h.MRZ, ""))
	if err != nil {
		return nil, fmt.Errorf("personalize: %w", err)
	}
	if err := mrz.VerifyCheckDigits(); err != nil {
		return nil, fmt.Errorf("personalize: %w", err)
	}
	key, err := mrz.Key()
	if err != nil {
		return nil, fmt.Errorf("personalize: %w", err)
	}

	files := map[lds.FileID][]byte{lds.EFDG1: lds.EncodeDG1(mrz.Lines...)}
	if h.Details != nil {
		files[lds.EFDG11] = lds.EncodeDG11(h.Details)
	}
	if h.Face != nil {
		files[lds.EFDG2] = lds.EncodeDG2(lds.EncodeFacialRecord(*h.Face))
	}
	for id, data := range h.Extra {
		if !id.Known() {
			return nil, fmt.Errorf("personalize: unknown file %s", id)
		}
		files[id] = data
	}

	var groups []lds.FileID
	for _, id := range slices.Sorted(maps.Keys(files)) {
		if id >= lds.EFDG1 && id <= lds.EFDG16 {
			groups = append(groups, id)
		}
	}
	if _, ok := files[lds.EFCOM]; !ok {
		files[lds.EFCOM] = lds.EncodeCOM("0107", "040000", groups...)
	}
	return New(key, files), nil
}
