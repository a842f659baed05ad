package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/paulschiretz/pgl-backitup/pkg/catalog"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// RunList prints the restorable artifacts of one or all configured backends.
func RunList(ctx context.Context, flagMap map[string]any) error {
	source, _ := flagMap["source"].(storage.Kind)
	return runWithApp(ctx, flagparse.List, flagMap, false, func(ctx context.Context, cfg *config.Config, app *App) error {
		listing, err := app.Catalog.List(ctx, cfg, source)
		if err != nil {
			return err
		}
		PrintListing(os.Stdout, listing)
		return nil
	})
}

// PrintListing writes the listing grouped by backend and service.
func PrintListing(w io.Writer, listing catalog.Listing) {
	if len(listing) == 0 {
		fmt.Fprintln(w, "No backups found.")
		return
	}
	for _, kind := range storage.Kinds() {
		services, ok := listing[kind]
		if !ok {
			continue
		}
		fmt.Fprintf(w, "%s:\n", kind.DisplayName())
		if len(services) == 0 {
			fmt.Fprintln(w, "  (empty)")
			continue
		}
		names := make([]string, 0, len(services))
		for name := range services {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(w, "  %s\n", name)
			for _, a := range services[name] {
				fmt.Fprintf(w, "    %-16s %10s  %s\n", a.DisplayTime(), a.DisplaySize(), a.Name)
			}
		}
	}
}

// flatten returns every artifact of kind, newest first.
func flatten(listing catalog.Listing, kind storage.Kind) []catalog.Artifact {
	var all []catalog.Artifact
	for _, artifacts := range listing[kind] {
		all = append(all, artifacts...)
	}
	catalog.SortNewestFirst(all)
	return all
}
