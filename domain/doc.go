// Package domain defines what a worker needs from the game logic it hosts.
//
// The worker owns the connection, the schedule and the control channel; a
// Domain decides what to call. It logs in, names the recurring task kinds
// it can run, reacts to push events and answers on-demand api calls.
//
// RetryPolicy makes "try an alternate request on this failure" explicit
// instead of burying it inside task bodies. Policy carries compatibility
// switches such as TreatUnknownAsTerminal.
//
// Basic is a settings-driven Domain used by farmd: a login call, one call per
// task kind, optional follow-up calls on objects that are ready, and push
// events mapped to nudges or kickouts.
package domain
