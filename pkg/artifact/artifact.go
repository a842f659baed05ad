// Package artifact builds and parses backup artifact file names.
//
// Names follow "<service>_<YYYY>_<MM>_<DD>-<HH>_<mm>_backupiobroker.<ext>".
// The service prefix is optional when parsing, and the older
// "<YYYY>_<MM>-<DD>_<HH>_<mm>" date layout is accepted as well.
package artifact

import (
	"fmt"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
)

// timestampLayout renders the date part of a generated name.
const timestampLayout = "2006_01_02-15_04"

// FormatTimestamp renders t in the date layout used by generated names.
func FormatTimestamp(t time.Time) string {
	return t.Format(timestampLayout)
}

// Name returns the artifact base name for service created at t.
// ext is appended without its leading dot, e.g. "tar.gz".
func Name(service string, t time.Time, ext string) string {
	ext = strings.TrimPrefix(ext, ".")
	return fmt.Sprintf("%s_%s_%s.%s", service, FormatTimestamp(t), buildinfo.ArtifactSuffix, ext)
}

// Base strips any directory part, accepting both OS and slash separated paths.
func Base(name string) string {
	return path.Base(filepath.ToSlash(name))
}

func isNumeric(s string) bool {
	_, err := strconv.Atoi(s)
	return err == nil
}

// Service returns the non-numeric prefix segment of an artifact name, or ""
// if the name starts directly with the year.
func Service(name string) string {
	parts := strings.Split(Base(name), "_")
	if len(parts) == 0 || isNumeric(parts[0]) {
		return ""
	}
	return parts[0]
}

// ParseTime extracts the creation time encoded in an artifact name. The
// result is in local time, as names are generated from the local clock.
func ParseTime(name string) (time.Time, error) {
	base := Base(name)
	parts := strings.Split(base, "_")
	if len(parts) > 0 && !isNumeric(parts[0]) {
		parts = parts[1:]
	}
	if len(parts) < 4 {
		return time.Time{}, fmt.Errorf("artifact name %q has too few segments", base)
	}

	var fields [5]string
	fields[0] = parts[0]
	if strings.Contains(parts[1], "-") {
		// YYYY_MM-DD_HH_mm
		md := strings.SplitN(parts[1], "-", 2)
		fields[1], fields[2], fields[3], fields[4] = md[0], md[1], parts[2], parts[3]
	} else {
		// YYYY_MM_DD-HH_mm
		dh := strings.SplitN(parts[2], "-", 2)
		if len(dh) != 2 {
			return time.Time{}, fmt.Errorf("artifact name %q has no day-hour segment", base)
		}
		fields[1], fields[2], fields[3], fields[4] = parts[1], dh[0], dh[1], parts[3]
	}

	var n [5]int
	for i, f := range fields {
		v, err := strconv.Atoi(f)
		if err != nil {
			return time.Time{}, fmt.Errorf("artifact name %q: invalid date segment %q", base, f)
		}
		n[i] = v
	}

	t := time.Date(n[0], time.Month(n[1]), n[2], n[3], n[4], 0, 0, time.Local)
	// time.Date normalises overflow; reject anything that did not round-trip.
	if t.Year() != n[0] || int(t.Month()) != n[1] || t.Day() != n[2] || t.Hour() != n[3] || t.Minute() != n[4] {
		return time.Time{}, fmt.Errorf("artifact name %q: date out of range", base)
	}
	return t, nil
}

// IsArtifact reports whether name parses as an artifact name.
func IsArtifact(name string) bool {
	_, err := ParseTime(name)
	return err == nil
}

// Extension returns the archive extension of name ("tar.gz", "tar.zst", ...)
// or "" if it has none.
func Extension(name string) string {
	base := Base(name)
	for _, ext := range []string{".tar.gz", ".tar.zst", ".sql", ".json"} {
		if strings.HasSuffix(base, ext) {
			return strings.TrimPrefix(ext, ".")
		}
	}
	return strings.TrimPrefix(path.Ext(base), ".")
}
