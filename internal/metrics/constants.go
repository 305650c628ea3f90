package metrics

// Metric names
const (
	MetricNameHTTPRequestsTotal    = "betledger_http_requests_total"
	MetricNameHTTPRequestDuration  = "betledger_http_request_duration_seconds"
	MetricNameHTTPRequestsInFlight = "betledger_http_requests_in_flight"

	MetricNameTxSubmitted      = "betledger_tx_submitted_total"
	MetricNameTxResolved       = "betledger_tx_resolved_total"
	MetricNameTxApplyDuration  = "betledger_tx_apply_duration_seconds"
	MetricNameTxRetries        = "betledger_tx_retries_total"
	MetricNameEventsPublished  = "betledger_events_published_total"
	MetricNameEventPublishErrs = "betledger_event_publish_errors_total"

	MetricNameBetsCreated     = "betledger_bets_created_total"
	MetricNameBetsSettled     = "betledger_bets_settled_total"
	MetricNameWeiInvested     = "betledger_wei_invested_total"
	MetricNameWeiPaidOut      = "betledger_wei_paid_out_total"
	MetricNameSettlementDust  = "betledger_settlement_dust_wei_total"
	MetricNameCacheLookups    = "betledger_bet_cache_lookups_total"
	MetricNameMetadataOrphans = "betledger_metadata_orphans"
	MetricNameWSClients       = "betledger_ws_clients"
)

// Help text
const (
	HelpTextHTTPRequestsTotal    = "Total number of HTTP requests"
	HelpTextHTTPRequestDuration  = "HTTP request latency in seconds"
	HelpTextHTTPRequestsInFlight = "Current number of HTTP requests being served"

	HelpTextTxSubmitted      = "Commands accepted into the submission queue"
	HelpTextTxResolved       = "Commands resolved by workers, by final status"
	HelpTextTxApplyDuration  = "Time spent applying a command to the ledger"
	HelpTextTxRetries        = "Commands requeued after a transport failure"
	HelpTextEventsPublished  = "Ledger events published to the bus"
	HelpTextEventPublishErrs = "Ledger events that failed to publish"

	HelpTextBetsCreated     = "Bets created"
	HelpTextBetsSettled     = "Bets settled"
	HelpTextWeiInvested     = "Wei invested across all bets (float approximation)"
	HelpTextWeiPaidOut      = "Wei paid out in rewards (float approximation)"
	HelpTextSettlementDust  = "Projected truncation dust at settlement (float approximation)"
	HelpTextCacheLookups    = "Bet read cache lookups by result"
	HelpTextMetadataOrphans = "Unreferenced metadata documents found by the last sweep"
	HelpTextWSClients       = "Connected websocket clients"
)

// Labels
const (
	LabelMethod = "method"
	LabelPath   = "path"
	LabelStatus = "status"
	LabelType   = "type"
	LabelKind   = "kind"
	LabelResult = "result"
)

// HTTPLatencyBuckets covers fast reads through long-poll waits.
var HTTPLatencyBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 30}
