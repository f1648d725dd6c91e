// Package main provides the entry point for the anonctl CLI.
//
// anonctl talks to an anonymity daemon over its control port: it lists
// relays and circuits, builds paths, attaches streams, records events and
// routes destinations through dedicated circuits.
//
// Usage:
//
//	anonctl relays --flag Exit --country de
//	anonctl path --hops 3 --exit-country nl --build
//	anonctl watch --events STREAM,CIRC
//
// See --help for all available options.
package main

// main is the entry point for anonctl.
func main() {
	Execute()
}
