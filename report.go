package main

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/gregLibert/mrtd-reader/pkg/mrtd"
)

func dateOrDash(d mrtd.Date) string {
	if d.IsZero() {
		return "-"
	}
	return d.Format(time.DateOnly)
}

// writeReport prints the record for a human reader.
func writeReport(w io.Writer, rec *mrtd.Record, pa *paResult) error {
	var sb strings.Builder

	sb.WriteString("=== PASSPORT ===\n")
	fmt.Fprintf(&sb, "    - Document number: %s\n", rec.DocumentNo)
	fmt.Fprintf(&sb, "    - Name: %s, %s\n", rec.LastName, rec.FirstName)
	fmt.Fprintf(&sb, "    - Nationality: %s\n", rec.Nationality)
	fmt.Fprintf(&sb, "    - Gender: %s\n", rec.Gender)
	fmt.Fprintf(&sb, "    - Date of birth: %s\n", dateOrDash(rec.BirthDate))
	fmt.Fprintf(&sb, "    - Date of expiry: %s\n", dateOrDash(rec.ExpiryDate))
	if rec.PlaceOfBirth != "" {
		fmt.Fprintf(&sb, "    - Place of birth: %s\n", rec.PlaceOfBirth)
	}
	if rec.IdentityNo != "" {
		fmt.Fprintf(&sb, "    - Identity number: %s\n", rec.IdentityNo)
	}
	if rec.FaceImage != nil {
		fmt.Fprintf(&sb, "    - Face image: %s %dx%d, %d bytes\n",
			rec.FaceImage.Format, rec.FaceImage.Width, rec.FaceImage.Height, len(rec.FaceImage.Data))
	}

	if len(rec.DataGroups) > 0 {
		names := make([]string, len(rec.DataGroups))
		for i, id := range rec.DataGroups {
			names[i] = id.String()
		}
		fmt.Fprintf(&sb, "    - Data groups: %s\n", strings.Join(names, ", "))
	}

	read := slices.Sorted(maps.Keys(rec.RawFiles))
	for _, id := range read {
		fmt.Fprintf(&sb, "    - Read %s: %d bytes\n", id, len(rec.RawFiles[id]))
	}
	for _, id := range slices.Sorted(maps.Keys(rec.Absent)) {
		fmt.Fprintf(&sb, "    - Absent %s: %s\n", id, rec.Absent[id])
	}

	switch {
	case pa == nil:
	case pa.Verified:
		sb.WriteString("    - Passive authentication: OK\n")
	default:
		fmt.Fprintf(&sb, "    - Passive authentication: FAILED (%s)\n", pa.Error)
	}

	if rec.MRZ != nil {
		sb.WriteString("\n")
		sb.WriteString(rec.MRZ.Describe())
		sb.WriteString("\n")
	}
	if rec.Details != nil {
		sb.WriteString("\n")
		sb.WriteString(rec.Details.Describe())
		sb.WriteString("\n")
	}

	_, err := io.WriteString(w, sb.String())
	return err
}
