package pathcompression

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// Format represents the archive format for compression.
type Format string

const (
	TarGz  Format = "tar.gz"
	TarZst Format = "tar.zst"
)

var formatToString = map[Format]string{
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
}

var stringToFormat map[string]Format

func init() {
	stringToFormat = util.InvertMap(formatToString)
}

func (f Format) String() string {
	if str, ok := formatToString[f]; ok {
		return str
	}
	return fmt.Sprintf("unknown_compression_format(%s)", string(f))
}

func ParseFormat(s string) (Format, error) {
	if format, ok := stringToFormat[s]; ok {
		return format, nil
	}
	return "", fmt.Errorf("invalid compression format: %q. Must be 'tar.gz' or 'tar.zst'", s)
}

// Extension returns the file extension including the leading dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// FormatFromName detects the archive format from a file name.
func FormatFromName(name string) (Format, bool) {
	for _, f := range []Format{TarGz, TarZst} {
		if strings.HasSuffix(name, f.Extension()) {
			return f, true
		}
	}
	return "", false
}

// MarshalJSON implements the json.Marshaler interface for Format.
func (cf Format) MarshalJSON() ([]byte, error) {
	return json.Marshal(cf.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for Format.
func (cf *Format) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("compression format should be a string, got %s", data)
	}
	format, err := ParseFormat(s)
	if err != nil {
		return err
	}
	*cf = format
	return nil
}
