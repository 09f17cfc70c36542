// Package logindex keeps a bounded, searchable window of the log lines
// forwarded by worker units.
//
// The supervisor adds every forwarded entry; operators search by text,
// account, minimum level and time. Once the retention bound is reached the
// oldest entries are evicted first.
package logindex
