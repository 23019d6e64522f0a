package cmd

import (
	"os"

	"github.com/urfave/cli/v2"

	"github.com/kilnworks/kiln/schema"
)

// SchemaCommand returns the schema command, which prints the JSON
// Schema the fetch Method validates its arguments against.
func SchemaCommand() *cli.Command {
	return &cli.Command{
		Name:  "schema",
		Usage: "Print the fetch method argument schema",
		Action: func(c *cli.Context) error {
			_, err := os.Stdout.Write(schema.FetchMethodJSON())
			return err
		},
	}
}
