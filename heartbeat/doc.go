// Package heartbeat detects silent failure of a session connection.
//
// # Overview
//
// A Monitor issues a dedicated lightweight probe through a Prober on a fixed
// interval. Each interval is a window: if no successful exchange (probe reply
// or any other successful call reported through Observe) happened during
// the window, the miss count grows.
//
//	Healthy ──1 miss──> Suspect ──2nd miss──> Degraded
//	   ^                   │
//	   └──── Observe ──────┘
//
// A single missed window never degrades the session. On entering Degraded
// the monitor stops and fires OnDegraded once; the owner resets the session
// and reconnects.
//
// # Remote clock
//
// Probe replies carry the server time. A ServerClock stores it together with
// the local receipt time and derives the remote "now" as remote time plus
// local time elapsed since receipt.
//
// # Usage
//
//	m, err := heartbeat.NewMonitor(heartbeat.Config{
//	    Prober:   sess,
//	    Interval: 25 * time.Second,
//	    Clock:    sess.Clock(),
//	})
//	m.OnDegraded(func(misses int) {
//	    sess.Reset("heartbeat degraded")
//	})
//	sess.SetObserver(m.Observe)
//	m.Start(ctx)
//	defer m.Stop()
package heartbeat
