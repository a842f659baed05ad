package cmd

import (
	"fmt"
	"io"
	"runtime"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
)

// RunVersion writes the version and the toolchain and platform of the build.
func RunVersion(w io.Writer) error {
	_, err := fmt.Fprintf(w, "%s %s (%s %s/%s)\n", buildinfo.Name, buildinfo.Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
	return err
}
