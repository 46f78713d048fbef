package main

import (
	"context"
	"io"
	"sync"
	"time"

	"sdstage/core"
	"sdstage/db"
	"sdstage/logging"
	"sdstage/metrics"
	"sdstage/sdruntime"
	"sdstage/shutdown"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// historyQueue is the capacity of the async history writer.
const historyQueue = 64

// newEngine builds the engine for new runtimes. nil selects the build's
// default engine.
var newEngine func() sdruntime.Engine

// globalFlags override configuration for one invocation.
type globalFlags struct {
	configFile string
	envFile    string
	logLevel   string
	logFile    string
	dev        bool
	dbPath     string
	outputDir  string
	quiet      bool
	noColor    bool
}

func (f *globalFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "YAML config file (default $"+core.EnvConfigFile+")")
	fs.StringVar(&f.envFile, "env-file", core.DefaultEnvFile, "dotenv file to load; missing files are ignored")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.StringVar(&f.logFile, "log-file", "", "rotating JSON log file; \"-\" disables it")
	fs.BoolVar(&f.dev, "dev", false, "human-readable debug logging")
	fs.StringVar(&f.dbPath, "db", "", "SQLite database for payloads and history")
	fs.StringVar(&f.outputDir, "output-dir", "", "directory for generated frames")
	fs.BoolVarP(&f.quiet, "quiet", "q", false, "only log warnings and errors")
	fs.BoolVar(&f.noColor, "no-color", false, "disable colored output")
}

// apply copies flags the user set onto cfg.
func (f *globalFlags) apply(cmd *cobra.Command, cfg *core.Config) error {
	changed := cmd.Flags().Changed
	if changed("log-level") {
		if logging.ParseLevel(f.logLevel, zapcore.InvalidLevel) == zapcore.InvalidLevel {
			return usagef("--log-level %q: use debug, info, warn or error", f.logLevel)
		}
		cfg.LogLevel = f.logLevel
	}
	if changed("log-file") {
		cfg.LogFile = f.logFile
		if f.logFile == "-" {
			cfg.LogFile = ""
		}
	}
	if changed("dev") {
		cfg.Development = f.dev
	}
	if changed("db") {
		cfg.DBPath = f.dbPath
	}
	if changed("output-dir") {
		cfg.OutputDir = f.outputDir
	}
	if err := cfg.Validate(); err != nil {
		return usageError{err}
	}
	if f.quiet {
		cfg.LogLevel = "warn"
	}
	return nil
}

// callMeta annotates runtime calls with what the CallRecord lacks.
type callMeta struct {
	model     string
	prompt    string
	payloadID string
	staged    bool
}

// app owns everything one command touches. It is closed by the shutdown
// manager's hooks.
type app struct {
	cfg     *core.Config
	cfgFile string // YAML file in use, if any
	logger  *logging.Logger
	stdout  io.Writer
	stderr  io.Writer
	manager *shutdown.Manager
	db      *db.Database
	repo    *db.Repository
	store   *metrics.Store

	mu      sync.Mutex
	calls   map[string]callMeta
	history bool // a generation was recorded this run

	rtOnce sync.Once
	loader *sdruntime.Loader
	rt     *sdruntime.Runtime
}

func newApp(cmd *cobra.Command, flags globalFlags, stdout, stderr io.Writer) (*app, error) {
	cfg, err := core.LoadConfigFrom(flags.envFile, flags.configFile)
	if err != nil {
		return nil, err
	}
	if err := flags.apply(cmd, cfg); err != nil {
		return nil, err
	}

	opts := cfg.LoggingOptions()
	opts.Console = zapcore.Lock(zapcore.AddSync(stderr))
	if opts.FilePath != "" {
		if _, err := core.EnsureDataDirectory(); err != nil {
			return nil, err
		}
	}
	logger, err := logging.New(opts)
	if err != nil {
		return nil, err
	}
	logger = logger.Named(cmd.Name())

	a := &app{
		cfg:     cfg,
		cfgFile: firstNonEmpty(flags.configFile, core.GetEnvOrDefault(core.EnvConfigFile, "")),
		logger:  logger,
		stdout:  stdout,
		stderr:  stderr,
		calls:   make(map[string]callMeta),
		store:   metrics.NewStore(metrics.StoreConfig{Version: core.Version}, time.Now()),
		manager: shutdown.NewManager(logger.Zap().Named("shutdown"), shutdown.WithTimeout(cfg.ShutdownTimeout)),
	}
	a.manager.Register("logger", shutdown.PriorityLogger, shutdown.SyncLogger(logger))
	a.manager.Register("metrics", shutdown.PriorityLogger-1, a.logMetrics)

	if cfg.ChecksumFile != "" {
		n, err := sdruntime.LoadChecksumFile(cfg.ChecksumFile)
		if err != nil {
			a.close()
			return nil, err
		}
		logger.Debug("model checksums loaded", zap.Int("count", n), zap.String("file", cfg.ChecksumFile))
	}

	d, err := db.Open(a.manager.Context(), cfg.DBPath)
	if err != nil {
		a.close()
		return nil, err
	}
	a.db = d
	a.repo = db.NewRepository(d)
	a.repo.StartAsyncHistory(historyQueue, func(rec db.GenerationRecord, err error) {
		logger.Warn("history write failed", zap.String("session", rec.Session), zap.Error(err))
	})
	a.manager.Register("history", shutdown.PriorityHistory, shutdown.FlushHistory(a.repo))
	a.manager.Register("history-trim", shutdown.PriorityHistory+1, a.trimHistory)
	a.manager.Register("database", shutdown.PriorityStorage, d.Shutdown)

	a.manager.Start()
	return a, nil
}

// runtime builds the loader and runtime on first use.
func (a *app) runtime() *sdruntime.Runtime {
	a.rtOnce.Do(func() {
		var engine sdruntime.Engine
		if newEngine != nil {
			engine = newEngine()
		}
		a.loader = sdruntime.NewLoader(engine,
			sdruntime.WithLogger(a.logger.Zap().Named("sdruntime")),
			sdruntime.WithChecksumVerification(a.cfg.SD.VerifyChecksums),
			sdruntime.WithAllocator(sdruntime.LimitAllocator(a.cfg.MaxFrameBytes)),
		)
		a.rt = sdruntime.NewRuntime(a.loader,
			sdruntime.WithRuntimeLogger(a.logger.Zap().Named("runtime")),
			sdruntime.WithObserver(metrics.Chain(a.store.Observe, a.recordCall)),
		)
		a.manager.Register("abort", shutdown.PriorityAbort, shutdown.AbortGenerations(a.rt))
		a.manager.Register("sessions", shutdown.PrioritySessions, shutdown.CloseSessions(a.rt))
	})
	return a.rt
}

// annotate attaches meta to the next calls on session.
func (a *app) annotate(session string, meta callMeta) {
	a.mu.Lock()
	a.calls[session] = meta
	a.mu.Unlock()
}

// recordCall logs a finished call and queues it for history.
func (a *app) recordCall(rec sdruntime.CallRecord) {
	a.mu.Lock()
	meta := a.calls[rec.Session]
	a.history = true
	a.mu.Unlock()

	fields := []zap.Field{logging.GenerationFields(logging.Generation{
		Session:   rec.Session,
		Kind:      string(rec.Kind),
		Width:     rec.Width,
		Height:    rec.Height,
		Frames:    rec.Frames,
		Steps:     rec.Steps,
		Seed:      rec.Seed,
		Staged:    meta.staged,
		Duration:  rec.Duration,
		Cancelled: sdruntime.IsCancelled(rec.Err),
	})}
	switch {
	case rec.Err == nil:
		a.logger.Info("call finished", fields...)
	case sdruntime.IsCancelled(rec.Err):
		a.logger.Warn("call cancelled", fields...)
	default:
		a.logger.Error("call failed", append(fields, zap.Error(rec.Err))...)
	}

	if a.repo == nil {
		return
	}
	row := db.RecordFromCall(rec, meta.model, meta.prompt, meta.payloadID)
	if _, err := a.repo.InsertGeneration(context.Background(), row); err != nil {
		a.logger.Warn("history write failed", zap.Error(err))
	}
}

// trimHistory keeps the newest HistoryLimit rows after a run that added any.
func (a *app) trimHistory(ctx context.Context) error {
	a.mu.Lock()
	wrote := a.history
	a.mu.Unlock()
	if !wrote || a.cfg.HistoryLimit <= 0 {
		return nil
	}
	res, err := a.repo.Prune(ctx, db.RetentionPolicy{HistoryMax: a.cfg.HistoryLimit})
	if err != nil {
		return err
	}
	if res.GenerationsDeleted > 0 {
		a.logger.Debug("history trimmed", zap.Int64("deleted", res.GenerationsDeleted))
	}
	return nil
}

// logMetrics writes the per-kind totals of this process's calls.
func (a *app) logMetrics(context.Context) error {
	snap := a.store.Snapshot()
	if snap.Total == 0 {
		return nil
	}
	fields := []zap.Field{
		zap.Int64("calls", snap.Total),
		zap.Int64("errors", snap.Errors),
		zap.Int64("cancelled", snap.Cancelled),
		zap.Duration("uptime", snap.Uptime),
	}
	if snap.PeakMemory > 0 {
		fields = append(fields, zap.Int64("peak_memory", snap.PeakMemory))
	}
	for kind, m := range snap.ByKind {
		fields = append(fields, zap.Dict(string(kind),
			zap.Int64("count", m.Count),
			zap.Duration("avg", m.AvgDuration),
			zap.Duration("avg_step", m.AvgStepTime),
		))
	}
	a.logger.Info("run metrics", fields...)
	return nil
}

// run executes fn as a tracked operation under the shutdown manager.
func (a *app) run(name string, fn func(ctx context.Context) error) error {
	return a.manager.Track(a.manager.Context(), name, fn)
}

func (a *app) close() error {
	return a.manager.Shutdown()
}
