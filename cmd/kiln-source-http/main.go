// Package main provides the kiln-source-http module entrypoint.
//
// The binary is normally spawned by the kiln host with a channel
// address and serves exactly one job:
//
//	kiln-source-http --connect <addr> --transport unixgram --encoding json \
//	    --cache <dir> --job-id <id> [--secrets <file>]
//
// Standalone, `--schema` dumps the fetch argument schema and `--meta`
// dumps a capability description; both exit 0 without touching any
// channel.
//
// Exit codes:
//   - 0: job replied
//   - 1: job raised an exception
//   - 2: channel or startup failure
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/kilnworks/kiln/cache"
	"github.com/kilnworks/kiln/fetch"
	"github.com/kilnworks/kiln/iox"
	"github.com/kilnworks/kiln/log"
	"github.com/kilnworks/kiln/metrics"
	"github.com/kilnworks/kiln/schema"
	"github.com/kilnworks/kiln/secrets"
	"github.com/kilnworks/kiln/service"
	"github.com/kilnworks/kiln/types"
	"github.com/kilnworks/kiln/wire"
)

const moduleName = "kiln-source-http"

func main() {
	if err := newApp().Run(os.Args); err != nil {
		// ExitErrHandler already handled the exit; anything reaching
		// here never made it onto a channel.
		os.Exit(types.ExitTransport)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    moduleName,
		Usage:   "HTTP(S) and S3 source module",
		Version: types.Version,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "schema",
				Usage: "Print the fetch method argument schema and exit",
			},
			&cli.BoolFlag{
				Name:  "meta",
				Usage: "Print the module capability description and exit",
			},
			&cli.StringFlag{
				Name:  "connect",
				Usage: "Channel address to dial",
			},
			&cli.StringFlag{
				Name:  "transport",
				Usage: "Channel transport: unixgram or unixpacket",
				Value: wire.NetworkUnixgram,
			},
			&cli.StringFlag{
				Name:  "encoding",
				Usage: "Wire encoding: json or msgpack",
				Value: wire.EncodingJSON,
			},
			&cli.StringFlag{
				Name:  "cache",
				Usage: "Content cache directory",
			},
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "Job ID for log correlation",
			},
			&cli.StringFlag{
				Name:  "secrets",
				Usage: "Path to a YAML secrets store",
			},
		},
		Action:         moduleAction,
		ExitErrHandler: exitErrHandler,
	}
}

func moduleAction(c *cli.Context) error {
	if c.Bool("schema") {
		_, err := os.Stdout.Write(schema.FetchMethodJSON())
		return err
	}
	if c.Bool("meta") {
		return writeMeta(os.Stdout)
	}

	if c.String("connect") == "" {
		return cli.Exit("--connect is required (or use --schema / --meta)", types.ExitTransport)
	}
	if c.String("cache") == "" {
		return cli.Exit("--cache is required", types.ExitTransport)
	}

	logger := log.NewLogger(&types.JobMeta{JobID: c.String("job-id"), Module: moduleName})

	svc, collector, cleanup, err := buildService(c, logger)
	if err != nil {
		return cli.Exit(fmt.Sprintf("startup: %v", err), types.ExitTransport)
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	err = svc.Run(ctx)
	logger.Info("job metrics", collector.Snapshot().Fields())

	switch {
	case err == nil:
		return nil
	case wire.IsTransportError(err):
		return cli.Exit(fmt.Sprintf("channel failed: %v", err), types.ExitTransport)
	default:
		// The Exception already went out on the channel; the exit code
		// is the only thing left to report.
		return cli.Exit(fmt.Sprintf("job failed: %v", err), types.ExitException)
	}
}

// buildService assembles the single-job service: dial the channel, open
// the cache, stack the secrets providers, register the fetch source.
func buildService(c *cli.Context, logger *log.Logger) (*service.Service, *metrics.Collector, func(), error) {
	enc, err := wire.ByName(c.String("encoding"))
	if err != nil {
		return nil, nil, nil, err
	}

	store, err := cache.Open(c.String("cache"))
	if err != nil {
		return nil, nil, nil, err
	}

	provider, err := buildProvider(c.String("secrets"))
	if err != nil {
		return nil, nil, nil, err
	}

	channel, err := wire.Dial(c.String("transport"), c.String("connect"))
	if err != nil {
		return nil, nil, nil, err
	}

	collector := metrics.NewCollector(c.String("job-id"), moduleName)
	svc := service.New(service.Config{
		Transport: channel,
		Encoding:  enc,
		Cache:     store,
		Logger:    logger,
		Metrics:   collector,
	})
	svc.Register(fetch.NewSource(fetch.ConfigFromEnv(), provider, collector))

	return svc, collector, iox.CloseFunc(channel), nil
}

// buildProvider stacks the secrets providers: the file store when given,
// with the well-known environment names always available behind it.
func buildProvider(path string) (secrets.Provider, error) {
	if path == "" {
		return secrets.EnvProvider{}, nil
	}
	store, err := secrets.OpenFileStore(path)
	if err != nil {
		return nil, err
	}
	return secrets.Chain{store, secrets.EnvProvider{}}, nil
}

// capability describes what this module speaks, for host-side discovery.
type capability struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Kinds      []string `json:"kinds"`
	Transports []string `json:"transports"`
	Encodings  []string `json:"encodings"`
	Methods    []string `json:"methods"`
	Checksums  []string `json:"checksums"`
	Schemes    []string `json:"schemes"`
}

func moduleMeta() capability {
	algos := types.ChecksumAlgorithms()
	checksums := make([]string, len(algos))
	for i, a := range algos {
		checksums[i] = string(a)
	}
	return capability{
		Name:    moduleName,
		Version: types.Version,
		Kinds: []string{
			string(types.MessageKindMethod),
			string(types.MessageKindReply),
			string(types.MessageKindSignal),
			string(types.MessageKindException),
		},
		Transports: wire.Networks(),
		Encodings:  wire.Encodings(),
		Methods:    []string{types.MethodFetch},
		Checksums:  checksums,
		Schemes:    []string{"http", "https", "s3"},
	}
}

func writeMeta(w io.Writer) error {
	e := json.NewEncoder(w)
	e.SetIndent("", "  ")
	return e.Encode(moduleMeta())
}

// exitErrHandler preserves exit codes from cli.Exit() so the host sees
// the documented 0/1/2 statuses.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(types.ExitTransport)
}
