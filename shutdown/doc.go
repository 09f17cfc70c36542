// Package shutdown runs farmd's teardown in ordered phases.
//
// Handlers register under a phase number. Lower phases run first and
// handlers sharing a phase run concurrently:
//
//	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())
//	coord.RegisterFunc("workers", shutdown.PhaseWorkers, sup.Close)
//	coord.RegisterFunc("bus", shutdown.PhaseServices, closeBus)
//	coord.RegisterFunc("telemetry", shutdown.PhaseTelemetry, provider.Shutdown)
//
//	ctx, stop := shutdown.SignalContext(context.Background())
//	defer stop()
//	<-ctx.Done()
//	err := coord.ShutdownWithTimeout(0)
//
// The whole sequence shares one deadline. A phase that starts after the
// deadline is skipped and Shutdown reports ErrTimeout.
package shutdown
