package metrics

const (
	AuthorityConnsAcceptedN = "authority_connections_accepted_total"
	AuthorityConnsAcceptedH = "Total number of connections accepted by the time authority"
	AuthorityReqsServedN    = "authority_requests_served_total"
	AuthorityReqsServedH    = "Total number of time requests answered by the time authority"

	RelayConnsAcceptedN = "relay_connections_accepted_total"
	RelayConnsAcceptedH = "Total number of connections accepted by the delay relay"
	RelayReqsRelayedN   = "relay_requests_relayed_total"
	RelayReqsRelayedH   = "Total number of request/response pairs relayed to the time authority"

	SyncReqsSentN      = "sync_requests_sent_total"
	SyncReqsSentH      = "Total number of time requests sent"
	SyncRespsAcceptedN = "sync_responses_accepted_total"
	SyncRespsAcceptedH = "Total number of valid time responses received"

	SchedulerSyncsOKN     = "scheduler_syncs_ok_total"
	SchedulerSyncsOKH     = "Total number of successful synchronization rounds"
	SchedulerSyncsFailedN = "scheduler_syncs_failed_total"
	SchedulerSyncsFailedH = "Total number of failed synchronization rounds"
)
