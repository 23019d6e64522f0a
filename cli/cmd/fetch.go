package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"
	"gopkg.in/yaml.v3"

	"github.com/kilnworks/kiln/cli/config"
	"github.com/kilnworks/kiln/cli/render"
	"github.com/kilnworks/kiln/cli/tui"
	"github.com/kilnworks/kiln/fetch"
	"github.com/kilnworks/kiln/host"
	"github.com/kilnworks/kiln/iox"
	"github.com/kilnworks/kiln/log"
	"github.com/kilnworks/kiln/notify"
	"github.com/kilnworks/kiln/notify/redis"
	"github.com/kilnworks/kiln/notify/webhook"
	"github.com/kilnworks/kiln/schema"
	"github.com/kilnworks/kiln/types"
	"github.com/kilnworks/kiln/wire"
)

// Exit codes for the fetch command.
const (
	exitSuccess      = 0
	exitItemFailures = 1
	exitJobException = 2
	exitSpawnFailure = 3
)

// connectTimeout bounds how long fetch waits for the spawned module to
// dial back before declaring it dead.
const connectTimeout = 30 * time.Second

// notifyBudget bounds the completion event publish. It runs on its own
// context so a canceled job can still be reported.
const notifyBudget = 30 * time.Second

// FetchCommand returns the fetch command, the only command that spawns
// a module.
func FetchCommand() *cli.Command {
	return &cli.Command{
		Name:  "fetch",
		Usage: "Fetch sources into the content cache via a source module",
		Flags: []cli.Flag{
			ConfigFlag,
			// Job input
			&cli.StringFlag{
				Name:    "manifest",
				Aliases: []string{"m"},
				Usage:   "Path to a fetch manifest (YAML or JSON items document)",
			},
			&cli.StringSliceFlag{
				Name:  "item",
				Usage: "Inline item as <checksum-key>=<url> (repeatable)",
			},
			// Module process
			CacheFlag,
			&cli.StringFlag{
				Name:  "module",
				Usage: "Path to the source module binary",
				Value: "kiln-source-http",
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
				Name:  "secrets",
				Usage: "Path to a YAML secrets store handed to the module",
			},
			&cli.StringFlag{
				Name:  "job-id",
				Usage: "Job ID (default: random UUID)",
			},
			&cli.BoolFlag{
				Name:  "quiet",
				Usage: "Suppress the result report",
			},
			// Fetch tuning, passed to the module via environment
			&cli.IntFlag{
				Name:  "fanout",
				Usage: "Concurrent downloads (module default 4)",
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Per-download timeout (module default 5m)",
			},
			&cli.IntFlag{
				Name:  "retries",
				Usage: "Extra attempts for retriable download failures",
			},
			&cli.StringFlag{
				Name:  "proxy",
				Usage: "Proxy URL for HTTP(S) downloads",
			},
			&cli.StringFlag{
				Name:  "s3-region",
				Usage: "AWS region for s3:// downloads",
			},
			&cli.StringFlag{
				Name:  "s3-endpoint",
				Usage: "Custom S3 endpoint URL (MinIO, R2)",
			},
			&cli.BoolFlag{
				Name:  "s3-path-style",
				Usage: "Force path-style S3 addressing",
			},
			// Completion notifier
			&cli.StringFlag{
				Name:  "notify",
				Usage: "Notifier type: webhook, redis, or none",
			},
			&cli.StringFlag{
				Name:  "notify-url",
				Usage: "Notifier endpoint (webhook URL or redis:// URL)",
			},
			&cli.StringFlag{
				Name:  "notify-channel",
				Usage: "Redis channel for completion events",
			},
			&cli.StringSliceFlag{
				Name:  "notify-header",
				Usage: "Webhook header as key=value (repeatable)",
			},
			&cli.DurationFlag{
				Name:  "notify-timeout",
				Usage: "Notifier publish timeout (default: notifier-specific)",
			},
			&cli.IntFlag{
				Name:  "notify-retries",
				Usage: "Notifier retry attempts",
				Value: 3,
			},
			// Output
			FormatFlag,
			NoColorFlag,
			TUIFlag,
		},
		Action: fetchAction,
	}
}

// moduleChoice holds resolved module process settings.
type moduleChoice struct {
	binary    string
	cacheDir  string
	transport string
	encoding  string
	secrets   string
	jobID     string
}

// fetchChoice holds resolved fetch tuning forwarded to the module.
type fetchChoice struct {
	fanout      int
	timeout     time.Duration
	retries     int
	proxy       string
	s3Region    string
	s3Endpoint  string
	s3PathStyle bool
}

// notifyChoice holds resolved notifier settings.
type notifyChoice struct {
	notifierType string
	url          string
	channel      string
	headers      map[string]string
	timeout      time.Duration
	retries      int
}

func fetchAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	args, err := resolveArgs(c)
	if err != nil {
		return err
	}

	// Validate against the Method schema before spawning anything; the
	// module would reject the same document with a SchemaError Exception.
	items, err := schema.ParseFetchArgs(args)
	if err != nil {
		return cli.Exit(fmt.Sprintf("invalid manifest: %v", err), exitJobException)
	}

	mc, err := parseModuleConfig(c, cfg)
	if err != nil {
		return err
	}
	fc := parseFetchConfig(c, cfg)

	nc, err := parseNotifierConfig(c, cfg)
	if err != nil {
		return err
	}

	r, err := render.NewRenderer(c)
	if err != nil {
		return err
	}

	logger := log.NewLogger(&types.JobMeta{JobID: mc.jobID, Module: filepath.Base(mc.binary)})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	start := time.Now()
	result, jobErr := dispatchJob(ctx, c.Bool("tui"), mc, fc, args, items, logger)
	elapsed := time.Since(start)

	var report *render.FetchReport
	if result != nil {
		report = render.NewFetchReport(mc.jobID, result, elapsed)
	}

	exitCode := outcomeExitCode(report, jobErr)
	var exitMsg string
	if jobErr != nil {
		exitMsg = fmt.Sprintf("fetch failed: %v", jobErr)
	} else if !c.Bool("quiet") {
		if err := r.Render(report); err != nil {
			return err
		}
	}

	if nc != nil {
		event := buildJobCompletedEvent(mc.jobID, report, jobErr, elapsed)
		if err := publishEvent(nc, event); err != nil {
			logger.Warn("notify failed", map[string]any{"error": err.Error()})
		}
	}

	return cli.Exit(exitMsg, exitCode)
}

// dispatchJob runs the fetch either headless or under the live display.
// Bubble Tea owns the terminal, so with --tui the job moves to a
// goroutine and the display runs here; detaching from the display does
// not cancel the job.
func dispatchJob(ctx context.Context, useTUI bool, mc moduleChoice, fc fetchChoice, args map[string]any, items []schema.Item, logger *log.Logger) (*types.FetchResult, error) {
	if !useTUI {
		return runFetchJob(ctx, mc, fc, args, logProgress(logger), logger)
	}

	keys := make([]string, 0, len(items))
	for _, item := range items {
		keys = append(keys, item.Key.String())
	}
	program := tui.NewProgram(mc.jobID, keys)

	type jobOutcome struct {
		result *types.FetchResult
		err    error
	}
	done := make(chan jobOutcome, 1)
	go func() {
		result, err := runFetchJob(ctx, mc, fc, args, func(ev *types.ProgressEvent) {
			program.Send(ev)
		}, logger)
		program.Done(err)
		done <- jobOutcome{result: result, err: err}
	}()

	if err := program.Run(); err != nil {
		logger.Warn("progress display failed", map[string]any{"error": err.Error()})
	}
	out := <-done
	return out.result, out.err
}

// progressFunc consumes decoded progress events.
type progressFunc func(*types.ProgressEvent)

// logProgress mirrors fetch signals into the host log when no display
// is attached.
func logProgress(logger *log.Logger) progressFunc {
	return func(ev *types.ProgressEvent) {
		switch ev.Event {
		case types.ProgressItemStarted:
			logger.Info("download started", map[string]any{"checksum": ev.Checksum})
		case types.ProgressItemProgress:
			logger.Debug("download progress", map[string]any{
				"checksum":    ev.Checksum,
				"bytes_done":  ev.BytesDone,
				"bytes_total": ev.BytesTotal,
			})
		case types.ProgressItemFinished:
			fields := map[string]any{"checksum": ev.Checksum}
			if ev.Outcome != nil {
				fields["status"] = string(ev.Outcome.Status)
				if ev.Outcome.Error != nil {
					fields["error"] = ev.Outcome.Error.Message
				}
			}
			logger.Info("item finished", fields)
		}
	}
}

// runFetchJob owns the module lifecycle: bind the channel, spawn the
// module, dispatch the Method, stream signals, collect the terminal
// message, reap the process.
func runFetchJob(ctx context.Context, mc moduleChoice, fc fetchChoice, args map[string]any, onProgress progressFunc, logger *log.Logger) (*types.FetchResult, error) {
	enc, err := wire.ByName(mc.encoding)
	if err != nil {
		return nil, err
	}

	sockDir, err := os.MkdirTemp("", "kiln-"+mc.jobID)
	if err != nil {
		return nil, fmt.Errorf("create socket dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(sockDir) }()

	listener, err := wire.Listen(mc.transport, filepath.Join(sockDir, "channel.sock"))
	if err != nil {
		return nil, fmt.Errorf("bind channel: %w", err)
	}
	defer iox.DiscardClose(listener)

	mod := host.NewModule(host.ModuleConfig{
		Path:        mc.binary,
		Connect:     listener.Addr(),
		Transport:   mc.transport,
		Encoding:    mc.encoding,
		CacheDir:    mc.cacheDir,
		JobID:       mc.jobID,
		SecretsFile: mc.secrets,
		Env:         fc.env(),
		Logger:      logger,
	})
	if err := mod.Start(ctx); err != nil {
		return nil, err
	}

	acceptCtx, acceptCancel := context.WithTimeout(ctx, connectTimeout)
	channel, err := listener.Accept(acceptCtx)
	acceptCancel()
	if err != nil {
		_ = mod.Kill()
		_, _ = mod.Wait()
		return nil, fmt.Errorf("module did not connect: %w", err)
	}

	onSignal := func(v any) error {
		ev, err := types.DecodeProgressEvent(v)
		if err != nil {
			logger.Warn("undecodable progress signal", map[string]any{"error": err.Error()})
			return nil
		}
		onProgress(ev)
		return nil
	}

	client := host.NewClient(channel, enc, logger)
	payload, callErr := client.Call(ctx, &types.Method{Name: types.MethodFetch, Args: args}, onSignal)

	// The terminal message has been consumed or the channel broke
	// underneath us; reap the process either way.
	modResult, waitErr := mod.Wait()
	if waitErr != nil {
		logger.Warn("module wait failed", map[string]any{"error": waitErr.Error()})
	}

	if callErr != nil {
		var remote *host.RemoteError
		if !errors.As(callErr, &remote) && waitErr == nil && modResult.ExitCode != types.ExitOK {
			return nil, fmt.Errorf("module exited with code %d: %w", modResult.ExitCode, callErr)
		}
		return nil, callErr
	}

	return types.DecodeFetchResult(payload)
}

// outcomeExitCode maps a finished job onto the fetch exit code space:
// 0 all items ok, 1 some items failed, 2 job exception, 3 spawn or
// transport failure.
func outcomeExitCode(report *render.FetchReport, jobErr error) int {
	if jobErr != nil {
		var remote *host.RemoteError
		if errors.As(jobErr, &remote) {
			return exitJobException
		}
		return exitSpawnFailure
	}
	if report != nil && report.Failed > 0 {
		return exitItemFailures
	}
	return exitSuccess
}

// loadConfig loads kiln.yaml. An explicit --config path must exist; the
// default path is optional.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if c.IsSet("config") {
		return config.Load(c.String("config"))
	}
	return config.LoadOptional(config.DefaultPath)
}

// resolveArgs builds the Method args from --manifest or --item flags,
// which are mutually exclusive.
func resolveArgs(c *cli.Context) (map[string]any, error) {
	manifest := c.String("manifest")
	inline := c.StringSlice("item")

	switch {
	case manifest != "" && len(inline) > 0:
		return nil, errors.New("--manifest and --item are mutually exclusive")
	case manifest != "":
		return loadManifest(manifest)
	case len(inline) > 0:
		return inlineArgs(inline)
	}
	return nil, errors.New("nothing to fetch: provide --manifest or --item")
}

// loadManifest reads a fetch manifest document. The document is the
// Method args verbatim: a map carrying "items" or "urls".
func loadManifest(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}

	var args map[string]any
	if strings.HasSuffix(path, ".json") {
		if err := json.Unmarshal(data, &args); err != nil {
			return nil, fmt.Errorf("manifest %s: %w", path, err)
		}
		return args, nil
	}
	if err := yaml.Unmarshal(data, &args); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return args, nil
}

// inlineArgs builds Method args from --item checksum=url pairs.
func inlineArgs(pairs []string) (map[string]any, error) {
	items := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, url, ok := strings.Cut(pair, "=")
		if !ok || key == "" || url == "" {
			return nil, fmt.Errorf("invalid --item %q: want <checksum-key>=<url>", pair)
		}
		items[key] = url
	}
	return map[string]any{"items": items}, nil
}

func parseModuleConfig(c *cli.Context, cfg *config.Config) (moduleChoice, error) {
	mc := moduleChoice{
		binary:    resolveString(c, "module", configVal(cfg, func(cf *config.Config) string { return cf.Module })),
		cacheDir:  resolveString(c, "cache", configVal(cfg, func(cf *config.Config) string { return cf.Cache })),
		transport: resolveString(c, "transport", configVal(cfg, func(cf *config.Config) string { return cf.Transport })),
		encoding:  resolveString(c, "encoding", configVal(cfg, func(cf *config.Config) string { return cf.Encoding })),
		secrets:   resolveString(c, "secrets", configVal(cfg, func(cf *config.Config) string { return cf.Secrets.File })),
		jobID:     c.String("job-id"),
	}
	if mc.cacheDir == "" {
		return moduleChoice{}, errors.New("--cache is required (flag or kiln.yaml)")
	}
	if mc.jobID == "" {
		mc.jobID = uuid.NewString()
	}
	return mc, nil
}

func parseFetchConfig(c *cli.Context, cfg *config.Config) fetchChoice {
	fc := fetchChoice{
		fanout:     resolveInt(c, "fanout", configVal(cfg, func(cf *config.Config) int { return cf.Fetch.Fanout })),
		timeout:    resolveDuration(c, "timeout", configVal(cfg, func(cf *config.Config) time.Duration { return cf.Fetch.Timeout.Duration })),
		proxy:      resolveString(c, "proxy", configVal(cfg, func(cf *config.Config) string { return cf.Fetch.Proxy })),
		s3Region:   resolveString(c, "s3-region", configVal(cfg, func(cf *config.Config) string { return cf.Fetch.S3.Region })),
		s3Endpoint: resolveString(c, "s3-endpoint", configVal(cfg, func(cf *config.Config) string { return cf.Fetch.S3.Endpoint })),
	}
	fc.retries = c.Int("retries")
	if !c.IsSet("retries") && cfg != nil && cfg.Fetch.Retries != nil {
		fc.retries = *cfg.Fetch.Retries
	}
	fc.s3PathStyle = resolveBool(c, "s3-path-style", configVal(cfg, func(cf *config.Config) bool { return cf.Fetch.S3.PathStyle }))
	return fc
}

// env renders the fetch tuning as the KILN_* variables the module reads.
func (fc fetchChoice) env() []string {
	var env []string
	if fc.fanout > 0 {
		env = append(env, fmt.Sprintf("%s=%d", fetch.EnvFanout, fc.fanout))
	}
	if fc.timeout > 0 {
		env = append(env, fetch.EnvTimeout+"="+fc.timeout.String())
	}
	if fc.retries > 0 {
		env = append(env, fmt.Sprintf("%s=%d", fetch.EnvRetries, fc.retries))
	}
	if fc.proxy != "" {
		env = append(env, fetch.EnvProxy+"="+fc.proxy)
	}
	if fc.s3Region != "" {
		env = append(env, fetch.EnvS3Region+"="+fc.s3Region)
	}
	if fc.s3Endpoint != "" {
		env = append(env, fetch.EnvS3Endpoint+"="+fc.s3Endpoint)
	}
	if fc.s3PathStyle {
		env = append(env, fetch.EnvS3PathStyle+"=1")
	}
	return env
}

// parseNotifierConfig resolves notifier settings with CLI flags taking
// precedence over kiln.yaml. A nil choice means notifications are off.
func parseNotifierConfig(c *cli.Context, cfg *config.Config) (*notifyChoice, error) {
	nType := resolveString(c, "notify", configVal(cfg, func(cf *config.Config) string { return cf.Notify.Type }))
	if nType == "" || nType == "none" {
		return nil, nil
	}

	choice := &notifyChoice{
		notifierType: nType,
		url:          resolveString(c, "notify-url", configVal(cfg, func(cf *config.Config) string { return cf.Notify.URL })),
		channel:      resolveString(c, "notify-channel", configVal(cfg, func(cf *config.Config) string { return cf.Notify.Channel })),
		timeout:      resolveDuration(c, "notify-timeout", configVal(cfg, func(cf *config.Config) time.Duration { return cf.Notify.Timeout.Duration })),
		headers:      make(map[string]string),
	}
	choice.retries = c.Int("notify-retries")
	if !c.IsSet("notify-retries") && cfg != nil && cfg.Notify.Retries != nil {
		choice.retries = *cfg.Notify.Retries
	}

	// Config headers first, CLI headers override.
	if cfg != nil {
		for k, v := range cfg.Notify.Headers {
			choice.headers[k] = v
		}
	}
	for _, h := range c.StringSlice("notify-header") {
		k, v, ok := strings.Cut(h, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid --notify-header %q: want key=value", h)
		}
		choice.headers[k] = v
	}

	switch choice.notifierType {
	case "webhook":
		if choice.url == "" {
			return nil, errors.New("--notify-url is required when --notify=webhook")
		}
	case "redis":
		if choice.url == "" {
			return nil, errors.New("--notify-url is required when --notify=redis")
		}
	default:
		return nil, fmt.Errorf("unknown notifier type %q (must be webhook, redis, or none)", choice.notifierType)
	}
	return choice, nil
}

// buildNotifier constructs the configured notifier.
func buildNotifier(choice *notifyChoice) (notify.Notifier, error) {
	switch choice.notifierType {
	case "webhook":
		return webhook.New(webhook.Config{
			URL:     choice.url,
			Headers: choice.headers,
			Timeout: choice.timeout,
			Retries: choice.retries,
		})
	case "redis":
		return redis.New(redis.Config{
			URL:     choice.url,
			Channel: choice.channel,
			Timeout: choice.timeout,
			Retries: choice.retries,
		})
	}
	return nil, fmt.Errorf("unknown notifier type %q", choice.notifierType)
}

// buildJobCompletedEvent maps a finished job onto the notify payload.
// Outcome mirrors the exit code: complete for 0, partial for 1,
// exception for 2.
func buildJobCompletedEvent(jobID string, report *render.FetchReport, jobErr error, elapsed time.Duration) *notify.JobCompletedEvent {
	event := &notify.JobCompletedEvent{
		EventType:  notify.EventTypeFetchCompleted,
		JobID:      jobID,
		Outcome:    notify.OutcomeComplete,
		DurationMs: elapsed.Milliseconds(),
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
	}
	if report != nil {
		event.Fetched = report.Fetched
		event.Cached = report.Cached
		event.Failed = report.Failed
		if report.Failed > 0 {
			event.Outcome = notify.OutcomePartial
		}
	}
	if jobErr != nil {
		event.Outcome = notify.OutcomeException
		event.Error = jobErr.Error()
	}
	return event
}

// publishEvent delivers the completion event on its own context so a
// canceled job is still reported. Failures are the caller's to log;
// they never change the job's exit code.
func publishEvent(nc *notifyChoice, event *notify.JobCompletedEvent) error {
	notifier, err := buildNotifier(nc)
	if err != nil {
		return err
	}
	defer iox.DiscardClose(notifier)

	ctx, cancel := context.WithTimeout(context.Background(), notifyBudget)
	defer cancel()
	return notifier.Publish(ctx, event)
}

// resolveString resolves a string setting: an explicitly set CLI flag
// wins, then a non-empty config value, then the flag's default.
func resolveString(c *cli.Context, name, configVal string) string {
	if c.IsSet(name) {
		return c.String(name)
	}
	if configVal != "" {
		return configVal
	}
	return c.String(name)
}

func resolveInt(c *cli.Context, name string, configVal int) int {
	if c.IsSet(name) {
		return c.Int(name)
	}
	if configVal != 0 {
		return configVal
	}
	return c.Int(name)
}

func resolveBool(c *cli.Context, name string, configVal bool) bool {
	if c.IsSet(name) {
		return c.Bool(name)
	}
	return configVal || c.Bool(name)
}

func resolveDuration(c *cli.Context, name string, configVal time.Duration) time.Duration {
	if c.IsSet(name) {
		return c.Duration(name)
	}
	if configVal != 0 {
		return configVal
	}
	return c.Duration(name)
}

// configVal reads a field from a possibly-nil config.
func configVal[T any](cfg *config.Config, get func(*config.Config) T) T {
	var zero T
	if cfg == nil {
		return zero
	}
	return get(cfg)
}
