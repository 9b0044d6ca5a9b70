// cmd/winebridge/main.go

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/windowsadmins/winebridge/pkg/config"
	"github.com/windowsadmins/winebridge/pkg/download"
	"github.com/windowsadmins/winebridge/pkg/frontend"
	"github.com/windowsadmins/winebridge/pkg/installer"
	"github.com/windowsadmins/winebridge/pkg/launcher"
	"github.com/windowsadmins/winebridge/pkg/logging"
	"github.com/windowsadmins/winebridge/pkg/process"
	"github.com/windowsadmins/winebridge/pkg/sysdeps"
	"github.com/windowsadmins/winebridge/pkg/usage"
	"github.com/windowsadmins/winebridge/pkg/utils"
	"github.com/windowsadmins/winebridge/pkg/version"
)

var logger *logging.Console

func main() {
	// Define command-line flags.
	install := pflag.Bool("install", false, "Run the install pipeline, asking for any choice not yet made.")
	run := pflag.Bool("run", false, "Launch the installed application and track it until it exits.")
	withIndexer := pflag.Bool("indexer", false, "With --run, also launch the indexer.")
	stop := pflag.Bool("stop", false, "Stop every running application and indexer process.")
	showStatus := pflag.Bool("status", false, "Print the state of the application and indexer.")
	showConfig := pflag.Bool("show-config", false, "Display the current configuration and exit.")
	versionFlag := pflag.Bool("version", false, "Print the version and exit.")
	configPath := pflag.String("config", "", "Path of the configuration document.")
	headless := pflag.Bool("headless", false, "Never prompt; answer questions from --answer and approve every request.")
	answers := pflag.StringToString("answer", nil, "Preset answer for --headless, e.g. --answer application=Logos.")

	// Count the number of -v flags.
	var verbosity int
	pflag.CountVarP(&verbosity, "verbose", "v", "Increase verbosity (e.g. -v, -vv, -vvv)")
	pflag.Parse()

	if *versionFlag {
		if verbosity > 0 {
			version.PrintFull()
		} else {
			version.Print()
		}
		os.Exit(0)
	}

	cfg := config.LoadConfig(*configPath)

	// 0 => WARN, 1 => INFO, 2+ => DEBUG
	switch verbosity {
	case 0:
		cfg.LogLevel = "WARN"
	case 1:
		cfg.LogLevel = "INFO"
	default:
		cfg.LogLevel = "DEBUG"
		cfg.Debug = true
	}

	logger = logging.New(verbosity > 0)
	if err := logging.Init(cfg); err != nil {
		logger.Fatal("Error initializing logger: %v", err)
	}
	defer logging.CloseLogger()

	if *showConfig {
		if cfgYaml, err := yaml.Marshal(cfg); err == nil {
			logger.Printf("Current configuration:\n%s", string(cfgYaml))
		}
		return
	}

	actions := 0
	for _, set := range []bool{*install, *run, *stop, *showStatus} {
		if set {
			actions++
		}
	}
	if actions > 1 {
		logger.Warning("Conflicting flags: --install, --run, --stop and --status are mutually exclusive")
		pflag.Usage()
		os.Exit(1)
	}

	// Cancelled on SIGINT or SIGTERM; the active mode tears down whatever it started.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		sig := <-signalChan
		logger.Warning("Signal received, stopping: %s", sig.String())
		logging.Warn("Signal received", "signal", sig.String())
		cancel()
	}()

	var adapter frontend.Adapter
	if *headless {
		h := frontend.NewHeadless(*answers)
		h.OnStatus = func(message string, percent int) { logger.Printf("%s", statusLine(message, percent)) }
		adapter = h
	} else {
		adapter = newTerminal(logger)
	}

	mode := "install"
	switch {
	case *run:
		mode = "run"
	case *stop:
		mode = "stop"
	case *showStatus:
		mode = "status"
	case !*install && installed(cfg):
		mode = "run"
	}
	logging.SetRunType(mode)
	logging.Info("Starting", "mode", mode, "session", logging.GetSessionID(), "version", version.Version().Version)

	var err error
	switch mode {
	case "install":
		err = runInstall(ctx, cfg, adapter, *configPath)
	case "run":
		err = runApplication(ctx, cfg, *withIndexer)
	case "stop":
		err = stopAll(ctx, cfg)
	case "status":
		err = printStatus(ctx, cfg)
	}
	if err != nil {
		logging.Error("Run failed", "error", err)
		logger.Error("%v", err)
		if dir := logging.GetCurrentLogDir(); dir != "" {
			logger.Printf("Logs: %s", dir)
		}
		logging.CloseLogger()
		os.Exit(1)
	}
}

// installed reports whether a previous install left a launchable application behind.
func installed(cfg *config.Configuration) bool {
	return cfg.WineBinary != "" && cfg.AppExe != "" && utils.FileExists(cfg.AppExe)
}

func runInstall(ctx context.Context, cfg *config.Configuration, adapter frontend.Adapter, configPath string) error {
	ictx := installer.NewContext(cfg)
	runner := installer.NewProcessCleanup(cfg.InstallerTimeoutMinutes)

	// The installer puts the install directory ahead of these once it is known.
	var searchDirs []string
	if cwd, err := os.Getwd(); err == nil {
		searchDirs = append(searchDirs, cwd)
	}
	searchDirs = append(searchDirs, cfg.CachePath)

	opts := installer.Options{
		Fetcher:       download.New(download.WithSink(adapter)),
		Runner:        runner,
		Launcher:      launcher.NewWriter(),
		LaunchCommand: launchCommand(configPath),
		SearchDirs:    searchDirs,
	}
	if pm, err := sysdeps.Detect(); err == nil {
		opts.Dependencies = sysdeps.New(runner, pm)
	} else {
		logging.Warn("System dependencies will not be checked", "error", err)
	}

	p := installer.New(ictx, adapter, opts).Pipeline()
	logging.Info("Starting install", "steps", p.Count(), "labels", p.Labels())
	return p.Run(ctx)
}

func launchCommand(configPath string) string {
	exe, err := os.Executable()
	if err != nil {
		exe = version.AppName()
	}
	cmd := fmt.Sprintf("%q --run", exe)
	if configPath != "" {
		cmd += fmt.Sprintf(" --config %q", configPath)
	}
	return cmd
}

// monitorTarget builds what the process monitor launches from the persisted install.
func monitorTarget(cfg *config.Configuration) (process.Target, error) {
	if cfg.WineBinary == "" || cfg.AppExe == "" {
		return process.Target{}, fmt.Errorf("%w: no installed application, run with --install first", config.ErrConfiguration)
	}
	prefix := cfg.WinePrefix
	if prefix == "" {
		prefix = filepath.Join(cfg.InstallDir, "data", "wine64_bottle")
	}
	return process.Target{
		WineBinary: cfg.WineBinary,
		WinePrefix: prefix,
		AppExe:     cfg.AppExe,
		IndexerExe: filepath.Join(filepath.Dir(cfg.AppExe), "System", cfg.Application+"Indexer.exe"),
		AppVersion: cfg.AppVersion,
		AppRelease: cfg.AppRelease,
		Debug:      cfg.Debug,
	}, nil
}

func newMonitor(cfg *config.Configuration, opts ...process.Option) (*process.Monitor, error) {
	target, err := monitorTarget(cfg)
	if err != nil {
		return nil, err
	}
	return process.New(target, process.DefaultPatterns(cfg.Application), opts...), nil
}

func pollInterval(cfg *config.Configuration) time.Duration {
	if cfg.PollIntervalSeconds <= 0 {
		return 2 * time.Second
	}
	return time.Duration(cfg.PollIntervalSeconds) * time.Second
}

// runApplication launches the application and watches it until it has exited or a signal
// arrives, in which case every tracked process is stopped.
func runApplication(ctx context.Context, cfg *config.Configuration, withIndexer bool) error {
	ledger := usage.NewLedger(cfg.Application, cfg.LogPath)
	exited := make(chan struct{})
	var exitOnce sync.Once
	onExit := func(t process.Transition) {
		// A start that times out goes STARTING -> STOPPED and is reported as an error instead.
		if t.Group == process.GroupApplication && t.To == process.Stopped && t.From != process.Starting {
			exitOnce.Do(func() { close(exited) })
		}
	}
	m, err := newMonitor(cfg, process.WithObserver(ledger.Observe), process.WithObserver(onExit))
	if err != nil {
		return err
	}

	if err := m.Start(ctx, process.RoleFront); err != nil {
		return err
	}
	if withIndexer {
		if err := m.Start(ctx, process.RoleIndexer); err != nil {
			logging.Warn("Indexer not started", "error", err)
		}
	}
	logger.Success("Started %s %s", cfg.Application, cfg.AppRelease)

	failures := make(chan error, 1)
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go m.Watch(watchCtx, pollInterval(cfg), func(err error) {
		if !errors.Is(err, process.ErrProcess) {
			logging.Warn("Poll failed", "error", err)
			return
		}
		select {
		case failures <- err:
		default:
		}
	})

	select {
	case <-ctx.Done():
		stopWatch()
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return m.StopAll(stopCtx)
	case err := <-failures:
		return err
	case <-exited:
	}
	stopWatch()

	if withIndexer && m.State(process.GroupIndexer) != process.Stopped {
		if err := m.Stop(ctx, process.RoleIndexer); err != nil {
			logging.Warn("Stopping indexer failed", "error", err)
		}
	}
	m.Wait()
	for _, s := range ledger.Drain() {
		logging.Info("Session recorded", "group", s.Group, "duration_seconds", s.DurationSeconds)
	}
	logger.Success("%s exited", cfg.Application)
	return nil
}

func stopAll(ctx context.Context, cfg *config.Configuration) error {
	m, err := newMonitor(cfg)
	if err != nil {
		return err
	}
	if err := m.Poll(ctx); err != nil {
		return err
	}
	if err := m.StopAll(ctx); err != nil {
		return err
	}
	logger.Success("Stopped %s", cfg.Application)
	return nil
}

func printStatus(ctx context.Context, cfg *config.Configuration) error {
	m, err := newMonitor(cfg)
	if err != nil {
		return err
	}
	if err := m.Poll(ctx); err != nil {
		return err
	}
	for _, g := range process.Groups {
		logger.Printf("%-12s %s", g, m.State(g))
	}
	return nil
}
