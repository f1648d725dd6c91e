// Package routing sends traffic for different destinations through
// different circuits.
//
// A Router is given a table of routes, each naming a destination host and
// the countries its exit relay must be in. On Start it builds one circuit
// per route, switches the daemon to controller-driven stream attachment and
// attaches every new stream to the circuit of its destination. Streams for
// hosts without a route are handed back to the daemon, which attaches them
// as usual.
//
// Routes are built concurrently with errgroup; the control connection still
// sends one command at a time.
package routing
