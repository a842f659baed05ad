// Package notify builds the end-of-run summary and delivers it through the
// configured messaging channels.
package notify

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
)

// Mask replaces every secret in a message.
const Mask = "****"

const timeLayout = "02.01.2006 15:04"

// Report is what a message is composed from.
type Report struct {
	Type    string
	Started time.Time
	Errors  map[string]string
}

// Compose renders the message for report. The second result is false when
// nothing should be sent: a successful run with onlyError set.
// order lists module names in execution order; failures are reported in that
// order and unknown names follow alphabetically.
func Compose(cfg *config.Config, notice config.NoticeConfig, report Report, order []string) (string, bool) {
	var text string
	if len(report.Errors) == 0 {
		if notice.OnlyError {
			return "", false
		}
		text = composeSuccess(cfg, notice, report)
	} else {
		text = composeFailure(report.Errors, order)
	}
	return Redact(buildinfo.Name+":\n"+text, cfg.Secrets()), true
}

func composeSuccess(cfg *config.Config, notice config.NoticeConfig, report Report) string {
	var b strings.Builder
	label := report.Type
	if report.Type == cfg.Platform.Name && cfg.Platform.Hostname != "" {
		label += " (" + cfg.Platform.Hostname + ")"
	}
	fmt.Fprintf(&b, "New %s backup created on %s", label, report.Started.Format(timeLayout))

	if notice.NoticeType == config.NoticeLong {
		s := cfg.Storage
		if s.FTP.Enabled {
			fmt.Fprintf(&b, ", and copied / moved via FTP to %s%s", s.FTP.Host, s.FTP.Dir)
		}
		if s.CIFS.Enabled {
			mount := s.CIFS.Source
			if mount == "" {
				mount = s.CIFS.MountPoint
			}
			fmt.Fprintf(&b, ", and stored under %s%s", mount, s.CIFS.Dir)
		}
		if s.Dropbox.Enabled {
			b.WriteString(", and stored in dropbox")
		}
		if s.GoogleDrive.Enabled {
			b.WriteString(", and stored in google drive")
		}
		if s.WebDAV.Enabled {
			b.WriteString(", and stored in webdav")
		}
	}
	b.WriteString(".")
	return b.String()
}

func composeFailure(errs map[string]string, order []string) string {
	var b strings.Builder
	b.WriteString("Your backup was not completely created. Please check the errors!!\n")
	for _, name := range orderedNames(errs, order) {
		fmt.Fprintf(&b, "\n%s: %s", name, errs[name])
	}
	return b.String()
}

func orderedNames(errs map[string]string, order []string) []string {
	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}
	names := make([]string, 0, len(errs))
	for name := range errs {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, iKnown := rank[names[i]]
		rj, jKnown := rank[names[j]]
		switch {
		case iKnown && jKnown:
			return ri < rj
		case iKnown != jKnown:
			return iKnown
		default:
			return names[i] < names[j]
		}
	})
	return names
}

// Redact replaces every occurrence of every non-empty secret with Mask in a
// single pass. Longer secrets take precedence so that a secret containing
// another one is not left half visible. Secrets that occur inside Mask itself
// are ignored, otherwise redacted text would change on every pass.
func Redact(text string, secrets []string) string {
	sorted := make([]string, 0, len(secrets))
	for _, s := range secrets {
		if s != "" && !strings.Contains(Mask, s) {
			sorted = append(sorted, s)
		}
	}
	if len(sorted) == 0 {
		return text
	}
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	alternatives := make([]string, len(sorted))
	for i, secret := range sorted {
		alternatives[i] = regexp.QuoteMeta(secret)
	}
	return regexp.MustCompile(strings.Join(alternatives, "|")).ReplaceAllLiteralString(text, Mask)
}
