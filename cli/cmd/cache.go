package cmd

import (
	"errors"
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/cli/config"
	"github.com/kilnworks/kiln/cli/render"
	"github.com/kilnworks/kiln/types"
)

// CacheCommand returns the cache command group for inspecting the
// content store without spawning a module.
func CacheCommand() *cli.Command {
	return &cli.Command{
		Name:  "cache",
		Usage: "Inspect the content cache",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List cached entries",
				Flags:  append(ReadOnlyFlags(), CacheFlag),
				Action: cacheListAction,
			},
			{
				Name:      "verify",
				Usage:     "Re-hash cached entries against their checksum keys",
				ArgsUsage: "[checksum-key...]",
				Flags:     append(ReadOnlyFlags(), CacheFlag),
				Action:    cacheVerifyAction,
			},
		},
	}
}

func cacheListAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for cache list", 1)
	}

	store, err := openStore(c)
	if err != nil {
		return err
	}
	entries, err := store.List()
	if err != nil {
		return err
	}
	return r.Render(render.NewCacheRows(entries))
}

func cacheVerifyAction(c *cli.Context) error {
	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}
	if c.Bool("tui") {
		return cli.Exit("--tui is not supported for cache verify", 1)
	}

	store, err := openStore(c)
	if err != nil {
		return err
	}

	keys, err := verifyKeys(c, store)
	if err != nil {
		return err
	}

	rows := make([]render.VerifyRow, 0, len(keys))
	corrupt := false
	for _, key := range keys {
		row := render.VerifyRow{Checksum: key.String(), OK: true}
		ok, err := store.Verify(key)
		switch {
		case err != nil:
			row.OK = false
			row.Detail = err.Error()
		case !ok:
			row.OK = false
			row.Detail = "content does not match key"
		}
		if !row.OK {
			corrupt = true
		}
		rows = append(rows, row)
	}

	if err := r.Render(rows); err != nil {
		return err
	}
	if corrupt {
		return cli.Exit("", 1)
	}
	return nil
}

// verifyKeys resolves which entries to verify: explicit args, or every
// entry in the store.
func verifyKeys(c *cli.Context, store *cache.Store) ([]types.ChecksumKey, error) {
	if c.Args().Len() > 0 {
		keys := make([]types.ChecksumKey, 0, c.Args().Len())
		for _, arg := range c.Args().Slice() {
			key, err := types.ParseChecksumKey(arg)
			if err != nil {
				return nil, fmt.Errorf("argument %q: %w", arg, err)
			}
			keys = append(keys, key)
		}
		return keys, nil
	}

	entries, err := store.List()
	if err != nil {
		return nil, err
	}
	keys := make([]types.ChecksumKey, 0, len(entries))
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	return keys, nil
}

// openStore opens the content cache named by --cache or kiln.yaml.
func openStore(c *cli.Context) (*cache.Store, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	dir := resolveString(c, "cache", configVal(cfg, func(cf *config.Config) string { return cf.Cache }))
	if dir == "" {
		return nil, errors.New("--cache is required (flag or kiln.yaml)")
	}
	return cache.Open(dir)
}
