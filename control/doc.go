// Package control defines the message contract between the supervisor and
// its worker units.
//
// Supervisor to worker:
//
//	start{config}                 begin connecting
//	stop{}                        tear down and exit
//	config_sync{snapshot}         apply a configuration revision
//	api_call{id, method, args}    on-demand request, answered exactly once
//
// Worker to supervisor:
//
//	api_response{id, result|error}
//	status_sync{status}           periodic and on change
//	log{entry}                    forwarded log line
//	error{error}                  uncaught fault, sent before exit
//	rejected{code, message}       the service refused the session (e.g. code 400)
//	kicked{reason}                the account was logged out remotely
//
// A Channel is an ordered, buffered pair of endpoints. Messages on one
// channel are delivered in send order; there is no ordering across workers.
package control
