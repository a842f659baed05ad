// Package restore classifies an artifact before it is restored: whether the
// platform has to be stopped around the restore and whether the artifact must
// be downloaded first.
package restore

import (
	"fmt"
	"slices"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/artifact"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// companionTokens mark artifacts of services that can be restored while the
// platform keeps running. Matching is a case-sensitive substring test.
var companionTokens = []string{
	"mysql",
	"zigbee",
	"historyDB",
	"grafana",
	"jarvis",
	"javascripts",
	"influxDB",
	"pgsql",
}

// Decision is the outcome of Decide.
type Decision struct {
	StopRequired     bool   `json:"stopRequired"`
	DownloadRequired bool   `json:"downloadRequired"`
	Message          string `json:"message"`
}

const downloadFirst = "1. Confirm with \"OK\" and the download begins. Please wait until the download is finished!\n"

// Decide classifies the artifact name for a restore from source. platform is
// the display name used in the message. It performs no I/O.
func Decide(name string, source storage.Kind, platform string) Decision {
	d := Decision{
		StopRequired:     !IsCompanion(name),
		DownloadRequired: source.IsRemote(),
	}

	switch {
	case d.StopRequired && !d.DownloadRequired:
		d.Message = fmt.Sprintf("%s will be restarted during restore.", platform)
	case d.StopRequired && d.DownloadRequired:
		d.Message = downloadFirst + fmt.Sprintf("2. After download %s will be restarted during restore.", platform)
	case !d.StopRequired && d.DownloadRequired:
		d.Message = downloadFirst + fmt.Sprintf("2. After the download, the restore begins without restarting %s.", platform)
	default:
		d.Message = fmt.Sprintf("%s will not be restarted for this restore.", platform)
	}
	return d
}

// IsCompanion reports whether name belongs to a companion service.
func IsCompanion(name string) bool {
	return companionToken(name) != ""
}

func companionToken(name string) string {
	base := artifact.Base(name)
	for _, token := range companionTokens {
		if strings.Contains(base, token) {
			return token
		}
	}
	return ""
}

// Service resolves the service whose restorer handles name, using the same
// tokens as Decide so that a companion artifact never reaches the platform
// restorer. A prefix naming a companion service wins over tokens found later
// in the name. Names without prefix or token belong to platform. ok is false
// when the prefix and the token name different services.
func Service(name, platform string) (service string, ok bool) {
	prefix := artifact.Service(name)
	if slices.Contains(companionTokens, prefix) {
		return prefix, true
	}
	token := companionToken(name)
	switch {
	case token != "" && prefix != "":
		return prefix, false
	case token != "":
		return token, true
	case prefix != "":
		return prefix, true
	default:
		return platform, true
	}
}
