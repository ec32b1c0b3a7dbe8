package api

// Route constants for the relay endpoints.
const (
	// Health endpoint
	HealthEndpoint = "/health" // GET: liveness check

	// Sponsorship endpoints
	RelayEndpoint   = "/relay"   // POST: verify + sponsor + broadcast + receipt
	SponsorEndpoint = "/sponsor" // POST: sponsor + broadcast, API-key gated

	// x402 facilitator endpoints
	SettleEndpoint    = "/settle"    // POST: verify + broadcast a pre-sponsored tx
	VerifyEndpoint    = "/verify"    // POST: verify only, no broadcast
	SupportedEndpoint = "/supported" // GET: facilitator discovery document

	// Fee endpoint
	FeesEndpoint = "/fees" // GET: clamped fee estimates with source tag

	// Receipt endpoints
	ReceiptIDURLParam     = "receiptId"
	ReceiptStatusEndpoint = VerifyEndpoint + "/{" + ReceiptIDURLParam + "}" // GET: receipt status
	AccessEndpoint        = "/access"                                       // POST: receipt-gated access
)
