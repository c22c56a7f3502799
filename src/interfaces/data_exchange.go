package interfaces

import "market-sync/src/models"

// -----------------------------------------------------------------------------
// IDataExchanger is the outward surface that distributes engine state to
// connected consumers (HTTP readers and WebSocket subscribers).
// -----------------------------------------------------------------------------

type IDataExchanger interface {
	// -----------------------------------------------------------------------------
	// Broadcast pushes the latest snapshot to every connected listener.
	// Last-value only: no replay, no per-client queues.
	Broadcast(snapshot models.MSnapshot)

	// -----------------------------------------------------------------------------
	// UpdateAllDatas replaces the internal state without broadcasting, for
	// readers that poll over HTTP.
	UpdateAllDatas(snapshot models.MSnapshot)

	// -----------------------------------------------------------------------------
	// Start the server
	Start() error

	// -----------------------------------------------------------------------------
	// Stop the server gracefully
	Stop() error
}
