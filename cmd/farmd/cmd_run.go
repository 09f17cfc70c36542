package main

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/vinayprograms/farmkit/bus"
	"github.com/vinayprograms/farmkit/config"
	"github.com/vinayprograms/farmkit/control"
	"github.com/vinayprograms/farmkit/domain"
	"github.com/vinayprograms/farmkit/logging"
	"github.com/vinayprograms/farmkit/logindex"
	"github.com/vinayprograms/farmkit/protocol"
	"github.com/vinayprograms/farmkit/shutdown"
	"github.com/vinayprograms/farmkit/state"
	"github.com/vinayprograms/farmkit/supervisor"
	"github.com/vinayprograms/farmkit/telemetry"
	"github.com/vinayprograms/farmkit/transport"
	"github.com/vinayprograms/farmkit/worker"
)

// newRunCmd creates the "farmd run" subcommand.
func newRunCmd(path func() string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the supervisor until interrupted",
		Long:  "Starts a worker for every enabled account and follows configuration\nchanges until SIGINT or SIGTERM.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := shutdown.SignalContext(cmd.Context())
			defer stop()
			return run(ctx, path())
		},
	}
}

func run(ctx context.Context, path string) error {
	cfg, err := loadConfig(path)
	if err != nil {
		return err
	}

	logger := logging.New().WithComponent("farmd")
	logger.SetLevel(logging.ParseLevel(cfg.Log.Level))

	coord := shutdown.NewCoordinator(shutdown.Config{
		Timeout:         cfg.Supervisor.StopGrace.D() + shutdown.DefaultConfig().Timeout,
		ContinueOnError: true,
		Logger:          logger,
	})

	tracer := telemetry.GetTracer()
	if cfg.Telemetry.Enabled {
		provider, err := telemetry.InitProvider(ctx, telemetry.ProviderConfig{
			ServiceName: cfg.Telemetry.ServiceName,
			Endpoint:    cfg.Telemetry.Endpoint,
			Protocol:    cfg.Telemetry.Protocol,
			Insecure:    cfg.Telemetry.Insecure,
			Debug:       cfg.Telemetry.Debug,
			Headers:     cfg.Telemetry.Headers,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("telemetry: %w", err)
		}
		tracer = provider.Tracer()
		coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
	}

	msgBus, conn, err := openBus(cfg)
	if err != nil {
		return err
	}
	coord.RegisterFunc("bus", shutdown.PhaseServices, func(context.Context) error { return msgBus.Close() })

	store, closeStore, err := openStore(ctx, cfg, conn)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}
	coord.RegisterFunc("state", shutdown.PhaseServices, func(context.Context) error { return closeStore() })

	index, err := logindex.New(cfg.Supervisor.LogRetention)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}
	coord.RegisterFunc("logindex", shutdown.PhaseServices, func(context.Context) error { return index.Close() })

	tmpl, err := workerTemplate(cfg, tracer)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}

	r := &reconciler{logger: logger}

	scfg := supervisor.DefaultConfig()
	scfg.Factory = supervisor.WorkerFactory(tmpl, func(a control.Account) domain.Domain { return domain.NewBasic(a) })
	scfg.StopGrace = cfg.Supervisor.StopGrace.D()
	scfg.APITimeout = cfg.Supervisor.APITimeout.D()
	scfg.DisconnectThreshold = cfg.Supervisor.DisconnectThreshold.D()
	scfg.AutoRemove = cfg.Supervisor.AutoRemove
	scfg.OnAutoRemove = r.autoRemove
	scfg.Store = store
	scfg.Bus = msgBus
	scfg.Index = index
	scfg.Logger = logger
	scfg.Tracer = tracer
	sup, err := supervisor.New(scfg)
	if err != nil {
		_ = coord.ShutdownWithTimeout(0)
		return err
	}
	coord.RegisterFunc("workers", shutdown.PhaseWorkers, sup.Close)

	r.sup = sup
	r.apply(ctx, cfg)

	watcher := config.NewWatcher(path, func(next *config.Config) {
		logger.SetLevel(logging.ParseLevel(next.Log.Level))
		r.apply(ctx, next)
	}, logger)
	watchDone := make(chan error, 1)
	go func() { watchDone <- watcher.Run(ctx) }()

	logger.Info("farmd running", map[string]interface{}{
		"accounts": len(sup.Running()),
		"server":   cfg.Server.URL,
	})

	select {
	case <-ctx.Done():
	case err := <-watchDone:
		if err != nil {
			logger.Error("config watcher stopped", map[string]interface{}{"error": err.Error()})
		}
	}

	logger.Info("shutting down")
	return coord.ShutdownWithTimeout(0)
}

func openBus(cfg *config.Config) (bus.MessageBus, *nats.Conn, error) {
	if cfg.Bus.URL == "" {
		return bus.NewMemoryBus(bus.DefaultConfig()), nil, nil
	}
	ncfg := bus.DefaultNATSConfig()
	ncfg.URL = cfg.Bus.URL
	if cfg.Bus.Name != "" {
		ncfg.Name = cfg.Bus.Name
	}
	nb, err := bus.NewNATSBus(ncfg)
	if err != nil {
		return nil, nil, fmt.Errorf("bus: %w", err)
	}
	return nb, nb.Conn(), nil
}

// openStore reuses the bus connection when state and bus share a server.
// The returned func closes the store and any connection it opened.
func openStore(ctx context.Context, cfg *config.Config, busConn *nats.Conn) (state.Store, func() error, error) {
	if cfg.State.URL == "" {
		store := state.NewMemoryStore()
		return store, store.Close, nil
	}
	conn := busConn
	owned := false
	if conn == nil || cfg.State.URL != cfg.Bus.URL {
		c, err := nats.Connect(cfg.State.URL, nats.Name("farmd-state"))
		if err != nil {
			return nil, nil, fmt.Errorf("state: %w", err)
		}
		conn, owned = c, true
	}
	store, err := state.NewNATSStore(ctx, state.NATSStoreConfig{Conn: conn, Bucket: cfg.State.Bucket})
	if err != nil {
		if owned {
			conn.Close()
		}
		return nil, nil, fmt.Errorf("state: %w", err)
	}
	closeFn := func() error {
		err := store.Close()
		if owned {
			conn.Close()
		}
		return err
	}
	return store, closeFn, nil
}

func workerTemplate(cfg *config.Config, tracer *telemetry.Tracer) (worker.Config, error) {
	codec, err := protocol.CodecByName(cfg.Server.Codec)
	if err != nil {
		return worker.Config{}, err
	}

	dialer := transport.NewWebSocketDialer(cfg.Server.URL)
	dialer.Origin = cfg.Server.Origin
	dialer.HandshakeTimeout = cfg.Server.HandshakeTimeout.D()
	dialer.Conn.WriteTimeout = cfg.Server.WriteTimeout.D()
	dialer.Conn.PingInterval = cfg.Server.PingInterval.D()
	dialer.Conn.MaxMessageSize = cfg.Server.MaxMessageSize
	dialer.Conn.Binary = cfg.Server.Binary

	w := worker.DefaultConfig()
	w.Dialer = dialer
	w.Codec = codec
	w.CallTimeout = cfg.Session.CallTimeout.D()
	w.HeartbeatInterval = cfg.Session.HeartbeatInterval.D()
	w.ProbeEndpoint = cfg.Session.Probe
	w.RateLimit = cfg.Session.RateLimit
	w.RateWindow = cfg.Session.RateWindow.D()
	w.ThrottleCodes = cfg.Session.ThrottleCodes
	w.ReconnectMin = cfg.Supervisor.ReconnectMin.D()
	w.ReconnectMax = cfg.Supervisor.ReconnectMax.D()
	w.StatusInterval = cfg.Supervisor.StatusInterval.D()
	w.LogLevel = logging.ParseLevel(cfg.Log.Level)
	w.Tracer = tracer
	return w, nil
}

// workers is the part of the supervisor the reconciler drives.
type workers interface {
	ApplyConfig(content *control.Snapshot) (uint64, bool)
	StartWorker(ctx context.Context, acct control.Account) error
	StopWorker(ctx context.Context, id string) error
	RestartWorker(ctx context.Context, acct control.Account) error
	Running() []string
}

// reconciler brings running workers in line with each loaded configuration.
type reconciler struct {
	sup    workers
	logger *logging.Logger

	mu       sync.Mutex
	accounts map[string]control.Account

	// removed holds auto-removed accounts as configured when removed. They
	// stay down until their configuration entry changes.
	removed map[string]control.Account
}

// autoRemove drops an account the supervisor stopped for staying
// disconnected past the threshold.
func (r *reconciler) autoRemove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	acct, ok := r.accounts[id]
	if !ok {
		return
	}
	if r.removed == nil {
		r.removed = make(map[string]control.Account)
	}
	r.removed[id] = acct
	delete(r.accounts, id)
	r.logger.Warn("account removed after prolonged disconnect", map[string]interface{}{"account": id})
}

func (r *reconciler) apply(ctx context.Context, cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.sup.ApplyConfig(cfg.Snapshot())

	want := make(map[string]control.Account)
	for _, a := range cfg.EnabledAccounts() {
		if old, ok := r.removed[a.ID]; ok {
			if reflect.DeepEqual(old, a) {
				continue
			}
			delete(r.removed, a.ID)
		}
		want[a.ID] = a
	}

	for _, id := range r.sup.Running() {
		if _, ok := want[id]; ok {
			continue
		}
		if err := r.sup.StopWorker(ctx, id); err != nil {
			r.logger.Warn("stop worker failed", map[string]interface{}{"account": id, "error": err.Error()})
		}
	}

	running := make(map[string]bool)
	for _, id := range r.sup.Running() {
		running[id] = true
	}
	for id, acct := range want {
		var err error
		switch {
		case !running[id]:
			err = r.sup.StartWorker(ctx, acct)
		case !reflect.DeepEqual(r.accounts[id], acct):
			err = r.sup.RestartWorker(ctx, acct)
		}
		if err != nil {
			r.logger.Warn("start worker failed", map[string]interface{}{"account": id, "error": err.Error()})
		}
	}
	r.accounts = want
}
