package app

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/giantswarm/nucleus/internal/configstore"
	"github.com/giantswarm/nucleus/internal/depcontext"
	"github.com/giantswarm/nucleus/internal/deployment"
	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/internal/events"
	"github.com/giantswarm/nucleus/internal/fsm"
	"github.com/giantswarm/nucleus/internal/ipc"
	"github.com/giantswarm/nucleus/internal/lifecycle"
	"github.com/giantswarm/nucleus/internal/recipe"
	"github.com/giantswarm/nucleus/internal/supervisor"
	"github.com/giantswarm/nucleus/pkg/logging"
)

// restartReconcileInterval bounds how often the Supervisor polls ERRORED
// services for restart eligibility; it need not track the backoff curve
// itself (fsm.Machine.RestartDue already gates on that), just be frequent
// enough that a restart fires promptly once it becomes due.
const restartReconcileInterval = 500 * time.Millisecond

var (
	keyConfigStore = depcontext.NewKey[*configstore.Store]("configstore")
	keyRecipes     = depcontext.NewKey[*recipe.Cache]("recipes")
	keySupervisor  = depcontext.NewKey[*supervisor.Supervisor]("supervisor")
	keyAuth        = depcontext.NewKey[*TokenAuthenticator]("auth")
	keyRouter      = depcontext.NewKey[*ipc.Router]("router")
	keyEngine      = depcontext.NewKey[*deployment.Engine]("deployment")
	keyEvents      = depcontext.NewKey[*events.Generator]("events")
)

// Application is the running daemon: every core component, wired together
// and reachable through its dependency context for whichever part needs to
// resolve another at construction time.
type Application struct {
	config *Config
	deps   *depcontext.Context

	store     *configstore.Store
	cache     *recipe.Cache
	super     *supervisor.Supervisor
	auth      *TokenAuthenticator
	router    *ipc.Router
	engine    *deployment.Engine
	listener  net.Listener
	stopWatch chan struct{}
}

// NewApplication constructs every component in dependency order
// (Configuration Store -> Recipe cache -> authenticator -> IPC Router ->
// event generator -> Supervisor -> Deployment Engine last, since the Engine
// needs both the Supervisor and the Router's ServiceAnnouncer), registering
// each with the Dependency Context,
// loads any persisted configuration snapshot and transaction log, and
// opens the IPC listener. It does not yet accept connections or start
// services; call Run for that.
func NewApplication(cfg *Config) (*Application, error) {
	level := logging.LevelInfo
	if cfg.Debug {
		level = logging.LevelDebug
	}
	var out io.Writer = os.Stdout
	if cfg.Silent {
		out = io.Discard
	}
	logging.InitForCLI(level, out)

	for _, dir := range []string{cfg.configDir(), cfg.recipesDir(), cfg.artifactsDir(), cfg.deploymentsDir(), cfg.workDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, errs.Wrap(errs.IOError, fmt.Sprintf("creating %s", dir), err)
		}
	}

	deps := depcontext.New()

	store := configstore.New()
	if err := loadConfigStore(cfg, store); err != nil {
		store.Close()
		return nil, err
	}
	if err := depcontext.Put(deps, keyConfigStore, store); err != nil {
		return nil, err
	}

	cache, loadErrs := recipe.Load(cfg.recipesDir())
	for _, e := range loadErrs {
		logging.Warn("Bootstrap", "loading recipe cache: %v", e)
	}
	if err := depcontext.Put(deps, keyRecipes, cache); err != nil {
		return nil, err
	}

	auth := NewTokenAuthenticator()
	if err := depcontext.Put(deps, keyAuth, auth); err != nil {
		return nil, err
	}

	router := ipc.New(auth, auth)
	if err := depcontext.Put(deps, keyRouter, router); err != nil {
		return nil, err
	}

	eventGen := events.NewGenerator(newIPCEventSink(router))
	if err := depcontext.Put(deps, keyEvents, eventGen); err != nil {
		return nil, err
	}

	runner := deployment.NewRecipeRunner()
	wrappedRunner := newCredentialRunner(runner, auth, cfg.CredentialProxyURL)
	executor := lifecycle.New(wrappedRunner)
	super := supervisor.New(supervisor.WithExecutor(executor))
	super.OnServiceStateChange(func(ev fsm.Event) {
		eventGen.Emit(reasonForTransition(ev), eventDataForTransition(ev))
	})
	if err := depcontext.Put(deps, keySupervisor, super); err != nil {
		return nil, err
	}

	announcer := ipc.NewServiceAnnouncer(router)
	engine := deployment.New(store, cache, super, runner, cfg.deploymentsDir(), cfg.workDir(), deployment.WithAnnouncer(announcer))
	if err := depcontext.Put(deps, keyEngine, engine); err != nil {
		return nil, err
	}

	router.RegisterHandler(ipc.DestCLI, (&cliController{super: super, engine: engine, recipes: cache, events: eventGen}).handle)

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, errs.Wrap(errs.IOError, fmt.Sprintf("listening on %s", cfg.SocketPath), err)
	}

	cliToken, err := auth.Issue("cli", ipc.DestCLI)
	if err != nil {
		ln.Close()
		return nil, err
	}
	logging.Info("Bootstrap", "CLI token issued (share with the local management client): %s", cliToken)

	stopWatch := make(chan struct{})
	if err := cache.Watch(stopWatch); err != nil {
		logging.Warn("Bootstrap", "recipe directory watch not started: %v", err)
	}

	return &Application{
		config:    cfg,
		deps:      deps,
		store:     store,
		cache:     cache,
		super:     super,
		auth:      auth,
		router:    router,
		engine:    engine,
		listener:  ln,
		stopWatch: stopWatch,
	}, nil
}

// loadConfigStore replays a previously persisted snapshot and transaction
// log into store, if present. A fresh root directory (no config.yaml) is
// not an error — the store simply starts empty.
func loadConfigStore(cfg *Config, store *configstore.Store) error {
	snapshotPath := cfg.configSnapshot()
	if f, err := os.Open(snapshotPath); err == nil {
		defer f.Close()
		if err := store.Load(f, "yaml"); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, fmt.Sprintf("opening %s", snapshotPath), err)
	}

	logPath := cfg.configLog()
	if f, err := os.Open(logPath); err == nil {
		defer f.Close()
		records, err := configstore.LoadLog(f)
		if err != nil {
			return err
		}
		if len(records) > 0 {
			if err := store.Replay(records); err != nil {
				return err
			}
		}
	} else if !os.IsNotExist(err) {
		return errs.Wrap(errs.IOError, fmt.Sprintf("opening %s", logPath), err)
	}
	return nil
}

// persist snapshots the current tree and transaction log to disk.
func (a *Application) persist() error {
	if err := os.MkdirAll(a.config.configDir(), 0o755); err != nil {
		return errs.Wrap(errs.IOError, "creating config dir", err)
	}
	snapshotPath := a.config.configSnapshot()
	tmpPath := snapshotPath + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return errs.Wrap(errs.IOError, fmt.Sprintf("creating %s", tmpPath), err)
	}
	if err := a.store.Dump(f, "yaml"); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return errs.Wrap(errs.IOError, "closing config snapshot", err)
	}
	if err := os.Rename(tmpPath, snapshotPath); err != nil {
		return errs.Wrap(errs.IOError, "renaming config snapshot into place", err)
	}

	logPath := a.config.configLog()
	logFile, err := os.Create(logPath)
	if err != nil {
		return errs.Wrap(errs.IOError, fmt.Sprintf("creating %s", logPath), err)
	}
	defer logFile.Close()
	return a.store.DumpLog(logFile)
}

// Run starts the Deployment Engine's queue worker and the IPC Router, then
// blocks until ctx is canceled or SIGINT/SIGTERM arrives, performing a
// graceful shutdown in the reverse order of construction.
func (a *Application) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := a.engine.Start(runCtx); err != nil {
		return err
	}

	go a.super.ReconcileRestarts(runCtx, restartReconcileInterval)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	serveErr := make(chan error, 1)
	go func() { serveErr <- a.router.Serve(runCtx, a.listener) }()

	logging.Info("Bootstrap", "daemon listening on %s", a.config.SocketPath)

	select {
	case <-sigCh:
		logging.Info("Bootstrap", "signal received, shutting down")
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			logging.Error("Bootstrap", err, "IPC router exited unexpectedly")
		}
	}

	cancel()
	close(a.stopWatch)
	a.engine.Stop()
	a.router.Wait()

	if err := a.persist(); err != nil {
		logging.Error("Bootstrap", err, "persisting configuration on shutdown")
	}

	return a.deps.Close()
}
