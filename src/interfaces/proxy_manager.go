package interfaces

// -----------------------------------------------------------------------------
// IProxyManager rotates outbound proxies for the pull feeds, so one blocked
// exit does not starve every poll schedule.
// -----------------------------------------------------------------------------

type IProxyManager interface {

	// -----------------------------------------------------------------------------

	// GetCurrentProxy returns the currently selected proxy URL (or empty if none).
	GetCurrentProxy() (string, error)

	// -----------------------------------------------------------------------------

	// RotateProxy switches to the next available proxy.
	RotateProxy()

	// -----------------------------------------------------------------------------

	// HasProxies returns true if there are proxies configured.
	HasProxies() bool

	// -----------------------------------------------------------------------------

	// GetUserAgent returns a random User-Agent string.
	GetUserAgent() string

	// -----------------------------------------------------------------------------

	// RefreshProxies reloads the rotation set from the configured sources.
	// Returns the number of proxies now available or an error.
	RefreshProxies() (int, error)
}
