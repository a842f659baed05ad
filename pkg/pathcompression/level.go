package pathcompression

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/util"
)

// Level picks the encoder setting of the archive format. Each value maps to
// the closest preset of pgzip or zstd in newCompressedWriter.
type Level string

const (
	Default Level = "default"
	Fastest Level = "fastest"
	Better  Level = "better"
	Best    Level = "best"
)

var levelNames = map[Level]string{
	Default: "default",
	Fastest: "fastest",
	Better:  "better",
	Best:    "best",
}

var levelsByName map[string]Level

func init() {
	levelsByName = util.InvertMap(levelNames)
}

func (l Level) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return string(Default)
}

// ParseLevel accepts a level name in any case. An empty name is Default.
func ParseLevel(s string) (Level, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return Default, nil
	}
	if l, ok := levelsByName[s]; ok {
		return l, nil
	}
	return "", fmt.Errorf("invalid compression level %q: use default, fastest, better or best", s)
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return fmt.Errorf("compression.level must be a string, got %s", data)
	}
	parsed, err := ParseLevel(name)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}
