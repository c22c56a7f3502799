package interfaces

// -----------------------------------------------------------------------------
// INetworkManager is the shared HTTP layer for pull feeds: timeouts, proxy
// rotation, and the per-process request budget live behind it.
// -----------------------------------------------------------------------------

type INetworkManager interface {

	// -----------------------------------------------------------------------------

	// Get performs a GET request to the specified URL with parameters.
	// Returns the response body as bytes or an error.
	Get(url string, params map[string]string) ([]byte, error)

	// -----------------------------------------------------------------------------

	// GetJSON performs a GET request and decodes the JSON response into the
	// provided destination.
	GetJSON(url string, params map[string]string, into interface{}) error
}
