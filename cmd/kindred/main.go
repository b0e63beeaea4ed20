// Kindred is a companion chat agent. It answers one person's messages
// over WhatsApp (via Twilio) or Signal with an LLM persona, and sends
// them a few unprompted messages each day at random times plus one at
// night. Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	kindred serve            Start the webhook server and the scheduler
//	kindred init [dir]       Initialize a working directory with defaults
//	kindred ask <text>       Send one message to the model and print the reply
//	kindred plan             Draw a daily plan from the configured windows
//	kindred version          Print version and build information
//	kindred -o json version  Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/kindred/internal/api"
	"github.com/nugget/kindred/internal/buildinfo"
	"github.com/nugget/kindred/internal/chat"
	"github.com/nugget/kindred/internal/clock"
	"github.com/nugget/kindred/internal/config"
	"github.com/nugget/kindred/internal/connwatch"
	"github.com/nugget/kindred/internal/database"
	"github.com/nugget/kindred/internal/driver"
	"github.com/nugget/kindred/internal/format"
	"github.com/nugget/kindred/internal/llm"
	"github.com/nugget/kindred/internal/memory"
	"github.com/nugget/kindred/internal/mqtt"
	"github.com/nugget/kindred/internal/scheduler"
	signalcli "github.com/nugget/kindred/internal/signal"
	"github.com/nugget/kindred/internal/twilio"
	"github.com/nugget/kindred/internal/usage"
)

// main only builds the OS-level environment and hands off to [run], so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. ctx bounds the process lifetime, logs go
// to stdout, and args is os.Args[1:]. Arguments are parsed by hand to
// keep flag.CommandLine globals out of tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: kindred ask <text>")
		}
		return runAsk(ctx, stdout, stderr, configPath, cmdArgs)
	case "plan":
		return runPlan(stdout, stderr, configPath, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Kindred - companion chat agent")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: kindred [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the webhook server and the scheduler")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  ask <text>   Send one message to the model and print the reply")
	fmt.Fprintln(w, "  plan         Draw a daily plan from the configured windows")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/kindred/config.yaml, /etc/kindred/config.yaml")
	return nil
}

// runAsk sends a single message through the configured model with no
// stored history and prints each reply part. No transport is needed.
func runAsk(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string, args []string) error {
	logger := newLogger(stderr, slog.LevelWarn, "text")

	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.LLM.APIKey == "" {
		return fmt.Errorf("%w: llm.api_key is required", config.ErrConfig)
	}

	responder := newResponder(cfg, newLLMClient(cfg, logger), logger)
	parts, err := responder.Ask(ctx, strings.Join(args, " "))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}

	for _, p := range parts {
		if p.Delay > 0 {
			fmt.Fprintf(stdout, "[+%s] %s\n", p.Delay, p.Content)
		} else {
			fmt.Fprintln(stdout, p.Content)
		}
	}
	return nil
}

// runPlan draws one plan the way serve does at startup and prints it.
// With scheduler.seed set the output is reproducible.
func runPlan(stdout io.Writer, stderr io.Writer, configPath string, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("%w: timezone: %w", config.ErrConfig, err)
	}
	dayStart, dayEnd, nightStart, nightEnd := cfg.Windows()
	if dayEnd <= dayStart {
		return fmt.Errorf("%w: invalid day window %s-%s", config.ErrConfig,
			cfg.Scheduler.DayWindowStart, cfg.Scheduler.DayWindowEnd)
	}

	sched := scheduler.New(schedulerConfig(cfg, loc, newLogger(stderr, slog.LevelWarn, "text")))
	plan := sched.Plan()

	times := make([]string, len(plan.PlannedTimes))
	for i, m := range plan.PlannedTimes {
		times[i] = clock.FormatMinute(m)
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(map[string]any{
			"date":         plan.Date,
			"timezone":     loc.String(),
			"planned":      times,
			"night_window": []string{clock.FormatMinute(nightStart), clock.FormatMinute(nightEnd)},
		})
	}

	fmt.Fprintf(stdout, "Plan for %s (%s)\n", plan.Date, loc)
	for _, t := range times {
		fmt.Fprintf(stdout, "  %s\n", t)
	}
	fmt.Fprintf(stdout, "Night message: once between %s and %s\n",
		clock.FormatMinute(nightStart), clock.FormatMinute(nightEnd))
	return nil
}

// transport is what serve needs from a messaging channel.
type transport interface {
	Name() string
	Send(ctx context.Context, to, body string) error
}

// runServe is the primary operating mode: it wires the stores, model,
// transport, chat handler and scheduler, starts the HTTP server, and
// blocks until SIGINT or SIGTERM.
//
// Shutdown order:
//  1. The signal cancels ctx, which stops the driver, the Signal bridge
//     and any pending reply deliveries
//  2. MQTT publishes offline and the HTTP server drains
//  3. Remaining resources close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Kindred", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config %s: %w", cfgPath, err)
	}

	// Validate has already checked the level and format.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logFormat, _ := config.ParseLogFormat(cfg.LogFormat)
	logger = newLogger(stdout, level, logFormat)

	loc, _ := cfg.Location()
	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"model", cfg.LLM.Model,
		"transport", cfg.Transport.Kind,
		"timezone", loc.String(),
	)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// --- Persistence ---
	// Optional. Without a data directory the ledger and usage endpoints
	// answer 503 and nothing survives a restart.
	var (
		usageStore *usage.Store
		ledger     *scheduler.Ledger
	)
	if cfg.DataDir != "" {
		db, err := database.Open(cfg.DataDir)
		if err != nil {
			return err
		}
		defer db.Close()

		if usageStore, err = usage.NewStore(db); err != nil {
			return err
		}
		if ledger, err = scheduler.NewLedger(db, loc); err != nil {
			return err
		}
		logger.Info("database opened", "dir", cfg.DataDir)
	} else {
		logger.Warn("data_dir not set, send ledger and usage records disabled")
	}

	// --- Conversation memory ---
	mem := memory.NewStore(cfg.Memory.TTL(), clock.System{}, logger)

	// --- Model ---
	llmClient := newLLMClient(cfg, logger)
	responder := newResponder(cfg, llmClient, logger)
	if usageStore != nil {
		responder.SetUsageRecorder(usageStore)
	}

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()
	connMgr.Watch(ctx, "llm", llmClient.Ping, connwatch.DefaultBackoff())

	// --- Transport ---
	var out transport
	var signalClient *signalcli.Client
	switch cfg.Transport.Kind {
	case config.TransportSignal:
		signalClient = signalcli.NewClient(cfg.Signal.Command, cfg.Signal.Args, logger)
		if err := signalClient.Start(ctx); err != nil {
			return fmt.Errorf("start signal-cli: %w", err)
		}
		defer signalClient.Close()
		connMgr.Watch(ctx, "signal", signalClient.Ping, connwatch.DefaultBackoff())
		out = signalClient
	default:
		out = twilio.NewClient(twilio.Config{
			AccountSID: cfg.Twilio.AccountSID,
			AuthToken:  cfg.Twilio.AuthToken,
			From:       cfg.Twilio.From,
			BaseURL:    cfg.Twilio.BaseURL,
		}, logger)
	}
	formatter := format.ByName(cfg.Transport.Format)
	logger.Info("transport ready", "transport", out.Name(), "format", cfg.Transport.Format)

	// --- Chat ---
	handler := chat.New(ctx, chat.Config{
		Recipient: cfg.Recipient.Address,
		Memory:    mem,
		Responder: responder,
		Transport: out,
		Formatter: formatter,
		Logger:    logger,
	})

	// The bridge must stop feeding the handler before its deliveries are
	// drained, and both stop only once ctx is cancelled.
	bridgeDone := make(chan struct{})
	defer func() {
		cancel()
		<-bridgeDone
		handler.Wait()
	}()

	if signalClient != nil {
		bridge := signalcli.NewBridge(signalcli.BridgeConfig{
			Source:    signalClient,
			Handler:   handler,
			Logger:    logger,
			RateLimit: cfg.Signal.RateLimitPerMinute,
		})
		go func() {
			defer close(bridgeDone)
			bridge.Run(ctx)
		}()
	} else {
		close(bridgeDone)
	}

	// --- Scheduler ---
	schedCfg := schedulerConfig(cfg, loc, logger)
	schedCfg.Responder = responder
	schedCfg.Transport = out
	schedCfg.Formatter = formatter
	schedCfg.Memory = mem
	if ledger != nil {
		schedCfg.Ledger = ledger
	}
	sched := scheduler.New(schedCfg)

	tick := cfg.Scheduler.TickInterval()
	if tolerance := time.Duration(cfg.Scheduler.Tolerance()) * time.Minute; tick > 2*tolerance {
		logger.Warn("scheduler tick interval is wider than the tolerance window, planned messages may be missed",
			"tick", tick, "tolerance", tolerance)
	}

	drv := driver.New(logger)
	drv.Every("scheduler", tick, func(ctx context.Context) { sched.Tick(ctx) })
	drv.Every("memory-cleanup", cfg.Scheduler.CleanupInterval(), func(context.Context) { mem.Cleanup() })
	driverDone := make(chan struct{})
	go func() {
		defer close(driverDone)
		drv.Run(ctx)
	}()
	// Early returns below must cancel, or the driver never exits.
	defer func() {
		cancel()
		<-driverDone
	}()

	// --- MQTT publisher ---
	// Optional: Home Assistant discovery and status sensors.
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		instanceDir := cfg.DataDir
		if instanceDir == "" {
			instanceDir = "."
		}
		instanceID, err := mqtt.LoadOrCreateInstanceID(instanceDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)

		dailyTokens := mqtt.NewDailyTokens(clock.System{}, loc)
		responder.SetTokenObserver(dailyTokens)

		mqttPub = mqtt.New(cfg.MQTT, instanceID, dailyTokens, &mqttStatsAdapter{mem: mem, sched: sched}, logger)
		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		connMgr.Watch(ctx, "mqtt", func(pCtx context.Context) error {
			awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
			defer awaitCancel()
			return mqttPub.AwaitConnection(awaitCtx)
		}, connwatch.DefaultBackoff())

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishIntervalSec,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	// --- HTTP server ---
	apiCfg := api.Config{
		Address: cfg.Listen.Address,
		Port:    cfg.Listen.Port,
		Chat:    handler,
		Webhook: api.WebhookConfig{
			ValidateSignature: cfg.Twilio.ValidateSignature,
			AuthToken:         cfg.Twilio.AuthToken,
			PublicURL:         cfg.Twilio.PublicURL,
		},
		Scheduler: sched,
		Memory:    mem,
		Health:    connMgr,
		Location:  loc,
		Logger:    logger,
	}
	// Interfaces stay nil, not typed nil, when persistence is off.
	if ledger != nil {
		apiCfg.Ledger = ledger
	}
	if usageStore != nil {
		apiCfg.Usage = usageStore
	}
	server := api.NewServer(apiCfg)

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()

		if mqttPub != nil {
			if err := mqttPub.Stop(stopCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(stopCtx); err != nil {
			logger.Error("http server shutdown failed", "error", err)
		}
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("Kindred stopped")
	return nil
}

// schedulerConfig maps the configuration onto a scheduler config
// without collaborators.
func schedulerConfig(cfg *config.Config, loc *time.Location, logger *slog.Logger) scheduler.Config {
	dayStart, dayEnd, nightStart, nightEnd := cfg.Windows()
	return scheduler.Config{
		Recipient:   cfg.Recipient.Address,
		DayPrompt:   cfg.Prompts.Day,
		NightPrompt: cfg.Prompts.Night,
		DayStart:    dayStart,
		DayEnd:      dayEnd,
		NightStart:  nightStart,
		NightEnd:    nightEnd,
		Tolerance:   cfg.Scheduler.Tolerance(),
		MinMessages: cfg.Scheduler.MinMessages,
		MaxMessages: cfg.Scheduler.MaxMessages,
		Location:    loc,
		Clock:       clock.System{},
		Rand:        clock.NewRand(cfg.Scheduler.Seed),
		Logger:      logger,
	}
}

func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.OpenAIClient {
	return llm.NewOpenAIClient(llm.OpenAIConfig{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Referer: cfg.LLM.Referer,
		Title:   cfg.LLM.Title,
		Timeout: cfg.LLM.Timeout(),
	}, logger)
}

func newResponder(cfg *config.Config, client llm.Client, logger *slog.Logger) *llm.Responder {
	return llm.NewResponder(client, llm.ResponderConfig{
		Model:         cfg.LLM.Model,
		Provider:      providerName(cfg.LLM.BaseURL),
		System:        cfg.Prompts.System,
		RecipientName: cfg.Recipient.Name,
		Timeout:       cfg.LLM.Timeout(),
		Structured:    cfg.LLM.StructuredReplies(),
		MaxDelay:      time.Duration(cfg.LLM.MaxDelaySec) * time.Second,
		Pricing:       cfg.Pricing,
	}, logger)
}

// providerName labels usage records with the API host, e.g.
// "openrouter.ai".
func providerName(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "" {
		return "openai"
	}
	return u.Hostname()
}

// newLogger creates the slog logger used by every subcommand. Format
// must be "text" or "json"; anything else means text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the configuration file, returning it
// with the path that was loaded.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter exposes memory and scheduler state to the MQTT
// publisher.
type mqttStatsAdapter struct {
	mem   *memory.Store
	sched *scheduler.Scheduler
}

func (a *mqttStatsAdapter) Conversations() int        { return a.mem.Len() }
func (a *mqttStatsAdapter) Plan() scheduler.DailyPlan { return a.sched.Plan() }
func (a *mqttStatsAdapter) NextSlot() (int, bool)     { return a.sched.NextSlot() }
