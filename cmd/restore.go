package cmd

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/catalog"
	"github.com/paulschiretz/pgl-backitup/pkg/config"
	"github.com/paulschiretz/pgl-backitup/pkg/engine"
	"github.com/paulschiretz/pgl-backitup/pkg/flagparse"
	"github.com/paulschiretz/pgl-backitup/pkg/hints"
	"github.com/paulschiretz/pgl-backitup/pkg/plog"
	"github.com/paulschiretz/pgl-backitup/pkg/restore"
)

// RunRestore restores one artifact of the configured restore source. Without
// -name the artifacts are offered for selection; "latest" picks the newest.
func RunRestore(ctx context.Context, flagMap map[string]any) error {
	name, _ := flagMap["name"].(string)
	yes, _ := flagMap["yes"].(bool)

	return runWithApp(ctx, flagparse.Restore, flagMap, false, func(ctx context.Context, cfg *config.Config, app *App) error {
		source := cfg.Restore.Source
		listing, err := app.Catalog.List(ctx, cfg, source)
		if err != nil {
			return fmt.Errorf("failed to list backups on %s: %w", source.DisplayName(), err)
		}
		artifacts := flatten(listing, source)
		if len(artifacts) == 0 {
			plog.Info(buildinfo.Name+" no backups found that can be restored.", "source", source.DisplayName())
			return nil
		}

		var selected catalog.Artifact
		switch strings.ToLower(name) {
		case "":
			selected, err = PromptArtifactSelection(artifacts)
			if hints.IsHint(err) {
				plog.Info(buildinfo.Name + " restore canceled by user.")
				return nil
			}
			if err != nil {
				return err
			}
		case "latest":
			selected = artifacts[0]
			plog.Info("Resolving 'latest' alias to artifact", "name", selected.Name, "created", selected.DisplayTime())
		default:
			found := false
			for _, a := range artifacts {
				if a.Name == name {
					selected, found = a, true
					break
				}
			}
			if !found {
				return fmt.Errorf("backup %q not found on %s", name, source.DisplayName())
			}
		}

		decision := restore.Decide(selected.Name, source, cfg.Platform.DisplayName)
		if !yes {
			fmt.Println(decision.Message)
			if !PromptForConfirmation("Restore "+selected.Name+"?", false) {
				plog.Info(buildinfo.Name + " restore canceled by user.")
				return nil
			}
		}

		result, err := app.Runner.ExecuteRestore(ctx, cfg, engine.RestoreRequest{Backend: source, Path: selected.Path, Name: selected.Name}, nil)
		if err != nil {
			return err
		}
		if !result.Success() {
			return fmt.Errorf("restore of %s failed: %s", selected.Name, strings.Join(failedNames(result, []string{engine.HooksName, engine.DownloadName, engine.PlatformName, engine.RestoreName}), ", "))
		}
		plog.Info(buildinfo.Name+" restore finished successfully.", "duration", result.Duration.Round(time.Millisecond))
		return nil
	})
}

// PromptArtifactSelection lists artifacts and reads the user's choice.
func PromptArtifactSelection(artifacts []catalog.Artifact) (catalog.Artifact, error) {
	totalNumOptions := len(artifacts) + 1
	optionNumColWidth := len(strconv.Itoa(totalNumOptions))

	fmt.Print("Please select a backup to restore:\n\n")
	for i, a := range artifacts {
		fmt.Printf("  %*d) %-16s %10s  %s\n", optionNumColWidth, i+1, a.DisplayTime(), a.DisplaySize(), a.Name)
	}
	fmt.Printf("  %*d) Cancel and exit %s (or type 'q').\n", optionNumColWidth, totalNumOptions, buildinfo.Name)

	var selection int
	for {
		fmt.Printf("\nSelect a backup (1-%d) [%d]: ", totalNumOptions, totalNumOptions)
		var input string
		_, err := fmt.Scanln(&input)
		if err != nil {
			if err.Error() == "unexpected newline" {
				selection = totalNumOptions
				break
			}
			return catalog.Artifact{}, fmt.Errorf("failed to read input: %w", err)
		}

		inputLower := strings.ToLower(strings.TrimSpace(input))
		if inputLower == "q" || inputLower == "quit" {
			return catalog.Artifact{}, hints.New("restore canceled by user")
		}

		selection, err = strconv.Atoi(input)
		if err != nil || selection < 1 || selection > totalNumOptions {
			fmt.Printf("Invalid selection. Please enter a number between 1 and %d, or 'q' to quit.\n", totalNumOptions)
			continue
		}
		break
	}

	if selection == totalNumOptions {
		return catalog.Artifact{}, hints.New("restore canceled by user")
	}
	return artifacts[selection-1], nil
}

// PromptForConfirmation prompts the user for a yes/no response.
func PromptForConfirmation(prompt string, defaultYes bool) bool {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Printf("%s %s: ", prompt, suffix)

	var response string
	_, _ = fmt.Scanln(&response)
	response = strings.ToLower(strings.TrimSpace(response))

	if response == "" {
		return defaultYes
	}
	return response == "y" || response == "yes"
}
