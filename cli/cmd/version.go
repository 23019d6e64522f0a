package cmd

import (
	"github.com/urfave/cli/v2"

	"github.com/kilnworks/kiln/cli/render"
	"github.com/kilnworks/kiln/types"
)

// VersionCommand returns the version command. Host, module, and
// protocol share a single version; commit is stamped at build time.
func VersionCommand(_, commit string) *cli.Command {
	return &cli.Command{
		Name:   "version",
		Usage:  "Show version information",
		Flags:  ReadOnlyFlags(),
		Action: versionAction(commit),
	}
}

func versionAction(commit string) cli.ActionFunc {
	return func(c *cli.Context) error {
		r, err := render.NewRenderer(c)
		if err != nil {
			return err
		}
		if c.Bool("tui") {
			return cli.Exit("--tui is not supported for version command", 1)
		}
		return r.Render(&render.VersionInfo{
			Version: types.Version,
			Commit:  commit,
		})
	}
}
