// Package cmd provides CLI commands for the kiln binary.
package cmd

import "github.com/urfave/cli/v2"

// Shared flags.
var (
	// ConfigFlag points at a kiln.yaml file. When unset, ./kiln.yaml is
	// loaded if present.
	ConfigFlag = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "Path to a kiln.yaml config file",
	}

	// CacheFlag points at the content cache directory.
	CacheFlag = &cli.StringFlag{
		Name:  "cache",
		Usage: "Content cache directory",
	}

	// FormatFlag selects output format: json, table, yaml.
	FormatFlag = &cli.StringFlag{
		Name:    "format",
		Aliases: []string{"f"},
		Usage:   "Output format: json, table, yaml",
	}

	// NoColorFlag disables colored output.
	NoColorFlag = &cli.BoolFlag{
		Name:  "no-color",
		Usage: "Disable colored output",
	}

	// TUIFlag enables the live Bubble Tea progress display.
	// Only the fetch command supports it.
	TUIFlag = &cli.BoolFlag{
		Name:  "tui",
		Usage: "Show live fetch progress (fetch only)",
	}
)

// ReadOnlyFlags returns the shared flags for the read-only commands.
// Includes --tui so that unsupported commands can provide explicit error
// messages instead of generic "flag not defined" errors.
func ReadOnlyFlags() []cli.Flag {
	return []cli.Flag{
		ConfigFlag,
		FormatFlag,
		NoColorFlag,
		TUIFlag,
	}
}
