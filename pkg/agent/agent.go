package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cuemby/mender-agent/pkg/config"
	"github.com/cuemby/mender-agent/pkg/events"
	"github.com/cuemby/mender-agent/pkg/flash"
	"github.com/cuemby/mender-agent/pkg/identity"
	"github.com/cuemby/mender-agent/pkg/log"
	"github.com/cuemby/mender-agent/pkg/mender"
	"github.com/cuemby/mender-agent/pkg/metrics"
	"github.com/cuemby/mender-agent/pkg/protocol"
	"github.com/cuemby/mender-agent/pkg/scheduler"
	"github.com/cuemby/mender-agent/pkg/store"
	"github.com/cuemby/mender-agent/pkg/transport"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// authRetryInterval is how often authentication_refresh checks for a
// missing token; authentication itself is cheap to skip when a token is
// already held, so this runs far more often than the other work items.
const authRetryInterval = 30 * time.Second

// Options configures a new Agent. ConfigPath and FlashDir are required;
// the rest have host-simulator-friendly defaults.
type Options struct {
	// ConfigPath is the YAML configuration file to load (and, if
	// WatchConfig is set, watch for changes).
	ConfigPath string
	// WatchConfig enables the fsnotify-backed hot reload path.
	WatchConfig bool
	// StoreDir holds the persistent key/value store's backing file. An
	// empty value uses an in-memory store, for tests and ephemeral runs.
	StoreDir string
	// FlashDir holds the simulated A/B flash slots. Always required, even
	// with an in-memory store; a real device wires pkg/flash.Manager to its
	// own platform driver instead of FileManager.
	FlashDir string
	// DiagnosticsAddr, if non-empty, serves /healthz, /readyz, /livez,
	// and /metrics on this address. Left empty on production MCU
	// targets, where the agent exposes no inbound network surface.
	DiagnosticsAddr string
	// ShellHandler drives the local pseudo-terminal backing interactive
	// shell sessions. A nil value disables shell support.
	ShellHandler protocol.ShellHandler
	// Send transmits an encoded interactive-channel frame. A nil value
	// leaves the channel's sub-protocols constructed but inert, for
	// builds with no transport loop wired yet.
	Send protocol.Sender
	// RequestReset triggers a device reboot after a deployment that
	// needs one. A nil value is a no-op, matching pkg/mender.Engine's
	// own default.
	RequestReset func() error
}

// Agent is the composition root: it owns every component's lifetime and
// is the only thing cmd/mender-agent constructs directly.
type Agent struct {
	cfgStore     *config.Store
	watcher      *config.Watcher
	cfgReloadSub events.Subscriber
	bus          *events.Bus

	kv    store.Store
	flash flash.Manager

	scheduler  *scheduler.Scheduler
	items      map[string]*scheduler.Item
	auth       *mender.Authenticator
	engine     *mender.Engine
	inventory  *mender.InventoryPublish
	configSync *mender.ConfigSync

	control     *protocol.Control
	healthcheck *protocol.Healthcheck
	shell       *protocol.ShellSession
	session     *sessionTracker

	diagAddr string
	logger   zerolog.Logger
}

// New constructs an Agent and everything it owns, but does not start any
// goroutines or activate any work item; call Activate and then Run.
func New(opts Options) (*Agent, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, fmt.Errorf("agent: loading configuration: %w", err)
	}
	cfgStore := config.NewStore(cfg)

	bus := events.NewBus()
	bus.Start()

	var watcher *config.Watcher
	var cfgReloadSub events.Subscriber
	if opts.WatchConfig {
		watcher, err = config.NewWatcher(opts.ConfigPath, bus)
		if err != nil {
			return nil, fmt.Errorf("agent: starting config watcher: %w", err)
		}
		cfgStore.Subscribe(bus)
		cfgReloadSub = bus.Subscribe()
	}

	kv, mgr, err := openStorage(opts.StoreDir, opts.FlashDir)
	if err != nil {
		return nil, err
	}

	id := identity.New(kv)
	if err := id.Load(); err != nil {
		return nil, fmt.Errorf("agent: loading device identity: %w", err)
	}

	client := transport.NewHTTPClient(cfg.ServerHost, 60*time.Second)
	registry := mender.NewDefaultRegistry(mgr, kv)
	auth := mender.NewAuthenticator(id, client, cfgStore)
	engine := mender.NewEngine(auth, client, kv, mgr, registry, cfgStore)
	if opts.RequestReset != nil {
		engine.RequestReset = opts.RequestReset
	}

	inventory := mender.NewInventoryPublish(auth, client, kv, scheduler.NewMutex(), cfgStore)
	configSync := mender.NewConfigSync(auth, client, kv, scheduler.NewMutex(), cfgReloadSub)

	session := &sessionTracker{}
	send := opts.Send
	if send == nil {
		send = func(protocol.Message) error { return nil }
	}
	control := protocol.NewControl(send, protocol.ProtoShell, protocol.ProtoMenderClient)
	var shell *protocol.ShellSession
	if opts.ShellHandler != nil {
		shell = protocol.NewShellSession(opts.ShellHandler, send)
	}
	healthcheck := protocol.NewHealthcheck(control, session.current, cfg.HealthcheckInterval(), session.clear)

	a := &Agent{
		cfgStore:     cfgStore,
		watcher:      watcher,
		cfgReloadSub: cfgReloadSub,
		bus:          bus,
		kv:           kv,
		flash:        mgr,
		scheduler:    scheduler.New(),
		items:        make(map[string]*scheduler.Item),
		auth:         auth,
		engine:       engine,
		inventory:    inventory,
		configSync:   configSync,
		control:      control,
		healthcheck:  healthcheck,
		shell:        shell,
		session:      session,
		diagAddr:     opts.DiagnosticsAddr,
		logger:       log.WithComponent("agent"),
	}
	if err := a.registerWorkItems(); err != nil {
		return nil, err
	}
	return a, nil
}

func openStorage(storeDir, flashDir string) (store.Store, flash.Manager, error) {
	var kv store.Store
	if storeDir == "" {
		kv = store.NewMemStore()
	} else {
		bolt, err := store.NewBoltStore(storeDir)
		if err != nil {
			return nil, nil, fmt.Errorf("agent: opening key/value store: %w", err)
		}
		kv = bolt
	}

	if flashDir == "" {
		return nil, nil, errors.New("agent: FlashDir is required")
	}
	mgr, err := flash.NewFileManager(flashDir)
	if err != nil {
		return nil, nil, fmt.Errorf("agent: opening flash slots: %w", err)
	}
	return kv, mgr, nil
}

func (a *Agent) registerWorkItems() error {
	cfg := a.cfgStore.Get()

	specs := []struct {
		name   string
		period time.Duration
		fn     scheduler.Func
	}{
		{"authentication_refresh", authRetryInterval, a.auth.Tick},
		{"deployment_tick", cfg.PollInterval(), a.engine.Tick},
		{"inventory_publish", cfg.InventoryInterval(), a.inventory.Tick},
		{"configuration_sync", cfg.ConfigSyncInterval(), a.configSync.Tick},
		{"troubleshoot_healthcheck", cfg.HealthcheckInterval(), a.healthcheck.Tick},
	}
	for _, s := range specs {
		item, err := a.scheduler.Create(s.name, s.period, s.fn)
		if err != nil {
			return fmt.Errorf("agent: registering %s: %w", s.name, err)
		}
		a.items[s.name] = item
	}
	return nil
}

// Activate promotes any deployment record left mid-flight across a
// restart and starts every registered work item's timer. OnStartup must
// run before deployment_tick's first tick (see mender.Engine.OnStartup).
func (a *Agent) Activate() error {
	if err := a.engine.OnStartup(); err != nil {
		return fmt.Errorf("agent: promoting post-reboot deployment state: %w", err)
	}
	for _, item := range a.items {
		a.scheduler.Activate(item)
	}
	metrics.RegisterComponent("store", true, "")
	metrics.RegisterComponent("scheduler", true, "")
	return nil
}

// HandleControlFrame dispatches one ProtoControl frame, recording the
// accepted session id so the healthcheck work item can ping it.
func (a *Agent) HandleControlFrame(msg protocol.Message) error {
	if msg.Hdr.Type != nil && *msg.Hdr.Type == "open" && msg.Hdr.SessionID != nil {
		a.session.set(*msg.Hdr.SessionID)
	}
	return a.control.Handle(msg, a.session.clear)
}

// Shell returns the interactive shell session, or nil if no
// ShellHandler was configured.
func (a *Agent) Shell() *protocol.ShellSession { return a.shell }

// Run supervises the agent's own goroutines (an optional local
// diagnostics HTTP server today; a real interactive-channel read loop is
// a transport-layer concern this package only provides hooks for) as one
// errgroup, returning the first error from any of them. It blocks until
// ctx is canceled or a supervised goroutine fails.
func (a *Agent) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if a.diagAddr != "" {
		srv := &http.Server{Addr: a.diagAddr, Handler: a.diagnosticsRouter()}
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("agent: diagnostics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		return ctx.Err()
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Shutdown deactivates every work item (waiting for in-flight
// executions to finish), stops the scheduler and event bus, and closes
// the watcher and the store. Call after Run returns.
func (a *Agent) Shutdown() error {
	for _, item := range a.items {
		a.scheduler.Deactivate(item)
	}
	a.scheduler.Shutdown()
	a.bus.Stop()

	var errs []error
	if a.watcher != nil {
		if err := a.watcher.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.kv.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (a *Agent) diagnosticsRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", metrics.HealthHandler().ServeHTTP)
	r.Get("/readyz", metrics.ReadyHandler().ServeHTTP)
	r.Get("/livez", metrics.LivenessHandler().ServeHTTP)
	r.Get("/metrics", metrics.Handler().ServeHTTP)
	return r
}

// sessionTracker holds the single interactive-channel session id the
// control protocol has accepted, if any. It replaces what would
// otherwise be a module-global "current session id" variable.
type sessionTracker struct {
	mu sync.Mutex
	id string
	ok bool
}

func (s *sessionTracker) set(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.ok = id, true
}

func (s *sessionTracker) clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id, s.ok = "", false
}

func (s *sessionTracker) current() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id, s.ok
}
