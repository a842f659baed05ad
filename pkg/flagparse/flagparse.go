package flagparse

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/paulschiretz/pgl-backitup/pkg/buildinfo"
	"github.com/paulschiretz/pgl-backitup/pkg/pathcompression"
	"github.com/paulschiretz/pgl-backitup/pkg/storage"
)

// cliFlags holds pointers to all possible command-line flags.
// Fields are pointers so we can distinguish between "not registered for this command" (nil)
// and "registered but not set by user" (non-nil pointer to zero value).
type cliFlags struct {
	// Global
	LogLevel *string
	Quiet    *bool
	Metrics  *bool
	Base     *string

	// Backup
	Type              *string
	FetchWorkers      *int
	DeleteWorkers     *int
	BufferSizeKB      *int
	CompressionFormat *string
	CompressionLevel  *string
	BackupsToKeep     *int
	PreBackupHooks    *string
	PostBackupHooks   *string

	// Restore / List
	Source           *string
	Name             *string
	Yes              *bool
	PreRestoreHooks  *string
	PostRestoreHooks *string

	// Serve
	Listen *string

	// Init
	Force   *bool
	Default *bool
}

func registerGlobalFlags(fs *flag.FlagSet, f *cliFlags) {
	f.LogLevel = fs.String("log-level", "info", "Set the logging level: 'debug', 'notice', 'info', 'warn', 'error'.")
	f.Quiet = fs.Bool("quiet", false, "Only print warnings and errors.")
	f.Metrics = fs.Bool("metrics", false, "Enable run metrics.")
	f.Base = fs.String("base", "", "Backup base directory holding the artifacts and the configuration. (Required)")
}

func registerBackupFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Type = fs.String("type", "", "Run type label used in notifications. Defaults to the platform name.")
	f.FetchWorkers = fs.Int("fetch-workers", 0, "Number of parallel downloads for dashboard exports.")
	f.DeleteWorkers = fs.Int("delete-workers", 0, "Number of worker goroutines for deleting outdated artifacts.")
	f.BufferSizeKB = fs.Int("buffer-size-kb", 0, "Size of the I/O buffer in kilobytes used for compression.")
	f.CompressionFormat = fs.String("compression-format", "", "Compression format: 'tar.gz' or 'tar.zst'.")
	f.CompressionLevel = fs.String("compression-level", "", "Compression level: 'default', 'fastest', 'better', 'best'.")
	f.BackupsToKeep = fs.Int("backups-to-keep", 0, "Number of local artifacts to keep per service (0 keeps everything).")
	f.PreBackupHooks = fs.String("pre-backup-hooks", "", "Comma-separated list of commands to run before the backup.")
	f.PostBackupHooks = fs.String("post-backup-hooks", "", "Comma-separated list of commands to run after the backup.")
}

func registerRestoreFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Backend to restore from: 'local', 'cifs', 'ftp', 'dropbox', 'googledrive', 'webdav'.")
	f.Name = fs.String("name", "", "Artifact to restore, as printed by the list command. (Required)")
	f.Yes = fs.Bool("yes", false, "Do not ask for confirmation.")
	f.PreRestoreHooks = fs.String("pre-restore-hooks", "", "Comma-separated list of commands to run before the restore.")
	f.PostRestoreHooks = fs.String("post-restore-hooks", "", "Comma-separated list of commands to run after the restore.")
}

func registerListFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Source = fs.String("source", "", "Only list this backend. Lists all configured backends if empty.")
}

func registerInitFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Force = fs.Bool("force", false, "Bypass confirmation prompts.")
	f.Default = fs.Bool("default", false, "Overwrite existing configuration with defaults.")
	f.CompressionFormat = fs.String("compression-format", "", "Compression format: 'tar.gz' or 'tar.zst'.")
	f.BackupsToKeep = fs.Int("backups-to-keep", 0, "Number of local artifacts to keep per service (0 keeps everything).")
}

func registerServeFlags(fs *flag.FlagSet, f *cliFlags) {
	f.Listen = fs.String("listen", "", "Address of the HTTP trigger API, e.g. '127.0.0.1:8095'.")
}

var commandDescriptions = map[Command]string{
	Backup:  "Run all enabled backup modules and send notifications.",
	Restore: "Restore a single artifact.",
	List:    "List the artifacts available for restore.",
	Init:    "Initialize a new backup base directory.",
	Serve:   "Serve the HTTP trigger API.",
}

// Parse parses the provided arguments (usually os.Args[1:]) and returns the command and a
// map of the flags the user set explicitly.
func Parse(args []string) (Command, map[string]any, error) {
	if len(args) == 0 {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	cmdStr := strings.ToLower(args[0])
	if cmdStr == "help" || cmdStr == "-h" || cmdStr == "-help" || cmdStr == "--help" {
		fs := flag.NewFlagSet("main", flag.ContinueOnError)
		printTopLevelUsage(fs)
		return None, nil, nil
	}

	command, err := ParseCommand(cmdStr)
	if err != nil {
		return None, nil, err
	}
	if command == Version {
		return command, nil, nil
	}

	f := &cliFlags{}
	fs := flag.NewFlagSet(command.String(), flag.ContinueOnError)
	registerGlobalFlags(fs, f)

	switch command {
	case Backup:
		registerBackupFlags(fs, f)
	case Restore:
		registerRestoreFlags(fs, f)
	case List:
		registerListFlags(fs, f)
	case Init:
		registerInitFlags(fs, f)
	case Serve:
		registerServeFlags(fs, f)
	}

	fs.Usage = func() {
		printSubcommandUsage(command, commandDescriptions[command], fs)
	}
	if err := fs.Parse(args[1:]); err != nil {
		return command, nil, err
	}

	flagMap, err := flagsToMap(fs, f)
	return command, flagMap, err
}

func flagsToMap(fs *flag.FlagSet, f *cliFlags) (map[string]any, error) {
	usedFlags := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) { usedFlags[f.Name] = true })

	flagMap := make(map[string]any)

	addIfUsed(flagMap, usedFlags, "log-level", f.LogLevel)
	addIfUsed(flagMap, usedFlags, "quiet", f.Quiet)
	addIfUsed(flagMap, usedFlags, "metrics", f.Metrics)
	addIfUsed(flagMap, usedFlags, "base", f.Base)
	addIfUsed(flagMap, usedFlags, "type", f.Type)
	addIfUsed(flagMap, usedFlags, "fetch-workers", f.FetchWorkers)
	addIfUsed(flagMap, usedFlags, "delete-workers", f.DeleteWorkers)
	addIfUsed(flagMap, usedFlags, "buffer-size-kb", f.BufferSizeKB)
	addIfUsed(flagMap, usedFlags, "backups-to-keep", f.BackupsToKeep)
	addIfUsed(flagMap, usedFlags, "name", f.Name)
	addIfUsed(flagMap, usedFlags, "yes", f.Yes)
	addIfUsed(flagMap, usedFlags, "listen", f.Listen)
	addIfUsed(flagMap, usedFlags, "force", f.Force)
	addIfUsed(flagMap, usedFlags, "default", f.Default)

	addParsedIfUsed(flagMap, usedFlags, "pre-backup-hooks", f.PreBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-backup-hooks", f.PostBackupHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "pre-restore-hooks", f.PreRestoreHooks, ParseCmdList)
	addParsedIfUsed(flagMap, usedFlags, "post-restore-hooks", f.PostRestoreHooks, ParseCmdList)

	// Enumerations are validated here so that the merge step cannot fail.
	if f.CompressionFormat != nil && usedFlags["compression-format"] {
		format, err := pathcompression.ParseFormat(*f.CompressionFormat)
		if err != nil {
			return nil, err
		}
		flagMap["compression-format"] = format
	}
	if f.CompressionLevel != nil && usedFlags["compression-level"] {
		level, err := pathcompression.ParseLevel(*f.CompressionLevel)
		if err != nil {
			return nil, err
		}
		flagMap["compression-level"] = level
	}
	if f.Source != nil && usedFlags["source"] {
		kind, err := storage.ParseKind(strings.ToLower(*f.Source))
		if err != nil {
			return nil, err
		}
		flagMap["source"] = kind
	}
	return flagMap, nil
}

// addIfUsed adds the value of ptr to flagMap if ptr is not nil and the flag was set.
func addIfUsed[T any](flagMap map[string]any, usedFlags map[string]bool, name string, ptr *T) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = *ptr
	}
}

// addParsedIfUsed adds the parsed value of ptr to flagMap if ptr is not nil and the flag was set.
func addParsedIfUsed(flagMap map[string]any, usedFlags map[string]bool, name string, ptr *string, parser func(string) []string) {
	if ptr != nil && usedFlags[name] {
		flagMap[name] = parser(*ptr)
	}
}

func printTopLevelUsage(fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s) ", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Backup and restore for your home automation platform.\n\n")
	fmt.Fprintf(fs.Output(), "Usage: %s <command> [flags]\n\n", execName)
	fmt.Fprintf(fs.Output(), "Commands:\n")
	fmt.Fprintf(fs.Output(), "  backup      Run all enabled backup modules\n")
	fmt.Fprintf(fs.Output(), "  restore     Restore an artifact\n")
	fmt.Fprintf(fs.Output(), "  list        List restorable artifacts\n")
	fmt.Fprintf(fs.Output(), "  init        Initialize a new configuration\n")
	fmt.Fprintf(fs.Output(), "  serve       Serve the HTTP trigger API\n")
	fmt.Fprintf(fs.Output(), "  version     Print the application version\n")
	fmt.Fprintf(fs.Output(), "\nRun '%s <command> -help' for more information on a command.\n", execName)
}

func printSubcommandUsage(command Command, desc string, fs *flag.FlagSet) {
	execName := filepath.Base(os.Args[0])
	fmt.Fprintf(fs.Output(), "%s(%s)\n\n", buildinfo.Name, buildinfo.Version)
	fmt.Fprintf(fs.Output(), "Usage of the %s command: %s %s [flags]\n\n", command, execName, command)
	fmt.Fprintf(fs.Output(), "%s\n\n", desc)
	fmt.Fprintf(fs.Output(), "Flags:\n")
	fs.PrintDefaults()
}

// ParseCmdList parses a comma-separated list of shell-like commands.
// Quotes are preserved and backslash escapes are kept for the shell to interpret.
func ParseCmdList(s string) []string {
	var list []string
	var current strings.Builder
	var quoteChar rune
	var isEscaped bool

	appendItem := func() {
		if trimmed := strings.TrimSpace(current.String()); trimmed != "" {
			list = append(list, trimmed)
		}
		current.Reset()
	}

	for _, r := range s {
		if isEscaped {
			current.WriteRune(r)
			isEscaped = false
			continue
		}
		switch {
		case r == '\\':
			isEscaped = true
			current.WriteRune(r)
		case r == '\'' || r == '"':
			switch quoteChar {
			case 0:
				quoteChar = r
			case r:
				quoteChar = 0
			}
			current.WriteRune(r)
		case r == ',' && quoteChar == 0:
			appendItem()
		default:
			current.WriteRune(r)
		}
	}
	appendItem()
	return list
}
