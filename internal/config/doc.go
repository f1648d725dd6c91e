// Package config holds the anonctl configuration: control port and SOCKS
// addresses, credentials, timeouts, output preferences and the route table.
// Values come from NewConfig defaults, an optional .anonctl YAML file and
// finally command line flags.
package config
