// Package socks sends traffic through the daemon's SOCKS5 port with
// golang.org/x/net/proxy. It is used by `anonctl fetch` to exercise routed
// circuits and to check that a SOCKS port is really an anonymizing proxy.
package socks
