package socks

import "errors"

// SOCKS connectivity errors.
var (
	// ErrProxyNotSOCKS is returned when the configured address responds but
	// does not speak SOCKS5 without authentication.
	ErrProxyNotSOCKS = errors.New("proxy is not a SOCKS5 proxy")

	// ErrProxyCannotConnect is returned when no TCP connection to the proxy
	// can be established. Usually the daemon is not running.
	ErrProxyCannotConnect = errors.New("cannot connect to SOCKS proxy")

	// ErrProxyTimeout is returned when the proxy check times out.
	ErrProxyTimeout = errors.New("timeout connecting to SOCKS proxy")

	// ErrInvalidProxyAddress is returned when the proxy address format is invalid.
	// Expected format is "host:port".
	ErrInvalidProxyAddress = errors.New("invalid proxy address format: expected host:port")

	// ErrBodyTooLarge is returned by Get when the response body exceeds the
	// configured limit.
	ErrBodyTooLarge = errors.New("response body too large")
)

// ProxyStatus is the result of checking the SOCKS port.
type ProxyStatus int

const (
	// ProxyStatusOK indicates a working SOCKS5 proxy.
	ProxyStatusOK ProxyStatus = iota

	// ProxyStatusWrongType indicates something answered that is not SOCKS5.
	ProxyStatusWrongType

	// ProxyStatusCannotConnect indicates no connection could be made.
	ProxyStatusCannotConnect

	// ProxyStatusTimeout indicates the check timed out.
	ProxyStatusTimeout
)

// String returns a human-readable description of the proxy status.
func (s ProxyStatus) String() string {
	switch s {
	case ProxyStatusOK:
		return "OK"
	case ProxyStatusWrongType:
		return "wrong type (not SOCKS5)"
	case ProxyStatusCannotConnect:
		return "cannot connect"
	case ProxyStatusTimeout:
		return "timeout"
	default:
		return "unknown"
	}
}

// Err returns the matching sentinel error, or nil for ProxyStatusOK.
func (s ProxyStatus) Err() error {
	switch s {
	case ProxyStatusOK:
		return nil
	case ProxyStatusWrongType:
		return ErrProxyNotSOCKS
	case ProxyStatusCannotConnect:
		return ErrProxyCannotConnect
	case ProxyStatusTimeout:
		return ErrProxyTimeout
	default:
		return errors.New("unknown proxy status")
	}
}
