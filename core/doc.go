// Package core implements the process-local actor runtime.
//
// A Supervisor owns the registry of running units and routes every message
// they emit. Each Unit runs one actor's function table on its own goroutine
// and exposes a Client to its handlers for sending, request/response calls,
// child creation and address-book maintenance. Destinations that are not
// known locally may be reached through a portal actor, with local delivery
// as the fallback.
package core
