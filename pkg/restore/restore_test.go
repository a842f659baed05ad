package restore

import (
	"slices"
	"testing"

	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

func TestDecide(t *testing.T) {
	testCases := []struct {
		name         string
		artifact     string
		source       storage.Kind
		wantStop     bool
		wantDownload bool
		wantMessage  string
	}{
		{
			name: "Platform artifact from local", artifact: "2024_03-15_10_42_backupiobroker.tar.gz", source: storage.Local,
			wantStop: true, wantMessage: "ioBroker will be restarted during restore.",
		},
		{
			name: "Companion artifact from network share", artifact: "2024_03-15_10_42_grafana_backupiobroker.tar.gz", source: storage.CIFS,
			wantMessage: "ioBroker will not be restarted for this restore.",
		},
		{
			name: "Platform artifact from ftp", artifact: "iobroker_2024_03_15-10_42_backupiobroker.tar.gz", source: storage.FTP,
			wantStop: true, wantDownload: true,
			wantMessage: "1. Confirm with \"OK\" and the download begins. Please wait until the download is finished!\n2. After download ioBroker will be restarted during restore.",
		},
		{
			name: "Companion artifact from cloud drive", artifact: "/backups/mysql_2024_03_15-10_42_backupiobroker.tar.gz", source: storage.Dropbox,
			wantDownload: true,
			wantMessage:  "1. Confirm with \"OK\" and the download begins. Please wait until the download is finished!\n2. After the download, the restore begins without restarting ioBroker.",
		},
		{name: "Second cloud drive", artifact: "pgsql_2024_03_15-10_42_backupiobroker.tar.gz", source: storage.GoogleDrive, wantDownload: true},
		{name: "WebDAV", artifact: "redis_2024_03_15-10_42_backupiobroker.tar.gz", source: storage.WebDAV, wantStop: true, wantDownload: true},
		{name: "Token match is case sensitive", artifact: "historydb_2024_03_15-10_42_backupiobroker.tar.gz", source: storage.Local, wantStop: true},
		{name: "Every token", artifact: "zigbee_jarvis_javascripts_influxDB_historyDB.tar.gz", source: storage.Local},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := Decide(tc.artifact, tc.source, "ioBroker")
			if d.StopRequired != tc.wantStop || d.DownloadRequired != tc.wantDownload {
				t.Errorf("expected stop=%v download=%v, got stop=%v download=%v", tc.wantStop, tc.wantDownload, d.StopRequired, d.DownloadRequired)
			}
			if tc.wantMessage != "" && d.Message != tc.wantMessage {
				t.Errorf("unexpected message:\n got: %q\nwant: %q", d.Message, tc.wantMessage)
			}
		})
	}
}

func TestDecide_IsPure(t *testing.T) {
	a := Decide("2024_03-15_10_42_backupiobroker", storage.FTP, "ioBroker")
	b := Decide("2024_03-15_10_42_backupiobroker", storage.FTP, "ioBroker")
	if a != b {
		t.Errorf("expected identical decisions, got %+v and %+v", a, b)
	}
}

func TestService(t *testing.T) {
	testCases := []struct {
		name        string
		artifact    string
		wantService string
		wantOK      bool
	}{
		{name: "Prefix-less platform artifact", artifact: "2024_03-15_10_42_backupiobroker.tar.gz", wantService: "iobroker", wantOK: true},
		{name: "Platform prefix", artifact: "iobroker_2024_03_15-10_42_backupiobroker.tar.gz", wantService: "iobroker", wantOK: true},
		{name: "Companion token after the date", artifact: "2024_03-15_10_42_grafana_backupiobroker.tar.gz", wantService: "grafana", wantOK: true},
		{name: "Companion prefix", artifact: "/backups/mysql_2024_03_15-10_42_backupiobroker.tar.gz", wantService: "mysql", wantOK: true},
		{name: "Companion prefix wins over later tokens", artifact: "zigbee_jarvis_2024_03_15-10_42_backupiobroker.tar.gz", wantService: "zigbee", wantOK: true},
		{name: "Other prefix", artifact: "redis_2024_03_15-10_42_backupiobroker.tar.gz", wantService: "redis", wantOK: true},
		{name: "Prefix and token disagree", artifact: "redis_2024_03_15-10_42_grafana_backupiobroker.tar.gz", wantService: "redis", wantOK: false},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			service, ok := Service(tc.artifact, "iobroker")
			if service != tc.wantService || ok != tc.wantOK {
				t.Errorf("Service(%q) = %q, %v; want %q, %v", tc.artifact, service, ok, tc.wantService, tc.wantOK)
			}
			if ok && IsCompanion(tc.artifact) != slices.Contains(companionTokens, service) {
				t.Errorf("Service(%q) = %q disagrees with the restart decision", tc.artifact, service)
			}
		})
	}
}
