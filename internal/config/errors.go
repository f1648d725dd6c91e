package config

import "errors"

// Configuration validation errors.
// These errors are returned by Config.Validate() so callers can use
// errors.Is() while still printing a human-readable message.
var (
	// ErrInvalidControlAddress is returned when the control address is not
	// in "host:port" form.
	ErrInvalidControlAddress = errors.New("invalid control address: must be host:port")

	// ErrInvalidSocksAddress is returned when the SOCKS address is not in
	// "host:port" form.
	ErrInvalidSocksAddress = errors.New("invalid socks address: must be host:port")

	// ErrInvalidTimeout is returned when a timeout is not positive.
	ErrInvalidTimeout = errors.New("invalid timeout: must be positive")

	// ErrConflictingReportFormats is returned when both --json and --markdown
	// are specified. Only one output format can be used at a time.
	ErrConflictingReportFormats = errors.New("conflicting report formats: --json and --markdown cannot be used together")

	// ErrConflictingAuth is returned when both a password and a cookie file
	// are given.
	ErrConflictingAuth = errors.New("conflicting authentication: --password and --cookie cannot be used together")

	// ErrInvalidCountry is returned when a country code is not an ISO 3166-1
	// region.
	ErrInvalidCountry = errors.New("invalid country code")

	// ErrInvalidRoute is returned when a route has no target or a path
	// shorter than two hops.
	ErrInvalidRoute = errors.New("invalid route")

	// ErrInvalidLookupRate is returned when the country lookup rate is not
	// positive.
	ErrInvalidLookupRate = errors.New("invalid country lookup rate: must be positive")
)
