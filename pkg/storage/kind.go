package storage

import (
	"encoding/json"
	"fmt"

	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// Kind identifies a storage backend. The set is closed.
type Kind string

const (
	Local       Kind = "local"
	CIFS        Kind = "cifs"
	FTP         Kind = "ftp"
	Dropbox     Kind = "dropbox"
	GoogleDrive Kind = "googledrive"
	WebDAV      Kind = "webdav"
)

var kindToString = map[Kind]string{
	Local:       "local",
	CIFS:        "cifs",
	FTP:         "ftp",
	Dropbox:     "dropbox",
	GoogleDrive: "googledrive",
	WebDAV:      "webdav",
}

var kindToDisplayName = map[Kind]string{
	Local:       "Local",
	CIFS:        "NAS / Copy",
	FTP:         "FTP",
	Dropbox:     "Dropbox",
	GoogleDrive: "Google Drive",
	WebDAV:      "WebDAV",
}

var stringToKind map[string]Kind

func init() {
	stringToKind = util.InvertMap(kindToString)
	// Legacy alias used by older configurations.
	stringToKind["nas / copy"] = CIFS
}

// Kinds lists all backends in presentation order.
func Kinds() []Kind {
	return []Kind{Local, CIFS, FTP, Dropbox, GoogleDrive, WebDAV}
}

func (k Kind) String() string {
	if str, ok := kindToString[k]; ok {
		return str
	}
	return fmt.Sprintf("unknown_storage(%s)", string(k))
}

// DisplayName is the human readable backend name.
func (k Kind) DisplayName() string {
	if name, ok := kindToDisplayName[k]; ok {
		return name
	}
	return string(k)
}

// IsRemote reports whether artifacts on this backend must be downloaded
// before they can be restored.
func (k Kind) IsRemote() bool {
	switch k {
	case FTP, Dropbox, GoogleDrive, WebDAV:
		return true
	default:
		return false
	}
}

// ParseKind parses a backend name. The empty string maps to Local.
func ParseKind(s string) (Kind, error) {
	if s == "" {
		return Local, nil
	}
	if k, ok := stringToKind[s]; ok {
		return k, nil
	}
	return "", fmt.Errorf("invalid storage backend: %q. Must be 'local', 'cifs', 'ftp', 'dropbox', 'googledrive' or 'webdav'", s)
}

// MarshalJSON implements the json.Marshaler interface.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("storage backend should be a string, got %s", data)
	}
	kind, err := ParseKind(s)
	if err != nil {
		return err
	}
	*k = kind
	return nil
}
