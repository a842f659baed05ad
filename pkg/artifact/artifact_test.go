package artifact

import (
	"testing"
	"time"
)

func TestName(t *testing.T) {
	ts := time.Date(2024, time.March, 5, 9, 7, 0, 0, time.Local)
	got := Name("grafana", ts, ".tar.gz")
	if want := "grafana_2024_03_05-09_07_backupiobroker.tar.gz"; got != want {
		t.Errorf("expected %q, got %q", want, got)
	}

	parsed, err := ParseTime(got)
	if err != nil {
		t.Fatalf("generated name does not parse: %v", err)
	}
	if !parsed.Equal(ts) {
		t.Errorf("expected %v, got %v", ts, parsed)
	}
}

func TestParseTime(t *testing.T) {
	testCases := []struct {
		name    string
		input   string
		want    time.Time
		wantErr bool
	}{
		{
			name:  "Prefixed current layout",
			input: "iobroker_2021_01_18-09_28_backupiobroker.tar.gz",
			want:  time.Date(2021, 1, 18, 9, 28, 0, 0, time.Local),
		},
		{
			name:  "Unprefixed month-day layout",
			input: "2024_03-15_10_42_backupiobroker",
			want:  time.Date(2024, 3, 15, 10, 42, 0, 0, time.Local),
		},
		{
			name:  "Token after date",
			input: "2024_03-15_10_42_grafana_backupiobroker",
			want:  time.Date(2024, 3, 15, 10, 42, 0, 0, time.Local),
		},
		{
			name:  "Remote path",
			input: "/backups/iobroker/mysql_2023_12_31-23_59_backupiobroker.tar.gz",
			want:  time.Date(2023, 12, 31, 23, 59, 0, 0, time.Local),
		},
		{name: "Too few segments", input: "grafana_2024_03.tar.gz", wantErr: true},
		{name: "Not a date", input: "notes_about_the_backup.txt", wantErr: true},
		{name: "Month out of range", input: "redis_2024_13_01-10_00_backupiobroker.tar.gz", wantErr: true},
		{name: "Missing day-hour separator", input: "redis_2024_01_01_10_00_backupiobroker.tar.gz", wantErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseTime(tc.input)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tc.want) {
				t.Errorf("expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestService(t *testing.T) {
	testCases := map[string]string{
		"grafana_2024_03_05-09_07_backupiobroker.tar.gz":   "grafana",
		"historyDB_2024_03_05-09_07_backupiobroker.tar.gz": "historyDB",
		"2024_03-15_10_42_backupiobroker":                  "",
		"/mnt/nas/zigbee_2024_03_05-09_07_backupiobroker":  "zigbee",
	}
	for in, want := range testCases {
		if got := Service(in); got != want {
			t.Errorf("Service(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestExtension(t *testing.T) {
	testCases := map[string]string{
		"a_2024_03_05-09_07_backupiobroker.tar.gz":  "tar.gz",
		"a_2024_03_05-09_07_backupiobroker.tar.zst": "tar.zst",
		"a_2024_03_05-09_07_backupiobroker.sql":     "sql",
		"a_2024_03_05-09_07_backupiobroker":         "",
	}
	for in, want := range testCases {
		if got := Extension(in); got != want {
			t.Errorf("Extension(%q) = %q, want %q", in, got, want)
		}
	}
}
