package core

// Status enumerations for campaigns, runs and messages. Values are stored
// verbatim in the status columns; every status write is guarded by the
// transition tables below, either as a predicate on the UPDATE or via
// CanTransition under a row lock, so an illegal hop is rejected instead
// of silently persisted. Rewriting the status a row already has is a
// no-op, not a transition.

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "DRAFT"
	CampaignScheduled CampaignStatus = "SCHEDULED"
	CampaignRunning   CampaignStatus = "RUNNING"
	CampaignFinished  CampaignStatus = "FINISHED"
	CampaignFailed    CampaignStatus = "FAILED"
)

type RunStatus string

const (
	RunScheduled RunStatus = "SCHEDULED"
	RunRunning   RunStatus = "RUNNING"
	RunFinished  RunStatus = "FINISHED"
	RunFailed    RunStatus = "FAILED"
)

type MessageStatus string

const (
	MessagePending MessageStatus = "PENDING"
	MessageQueued  MessageStatus = "QUEUED"
	MessageSent    MessageStatus = "SENT"
	MessageFailed  MessageStatus = "FAILED"
)

var runTransitions = map[RunStatus][]RunStatus{
	RunScheduled: {RunRunning, RunFailed},
	RunRunning:   {RunFinished, RunFailed},
	// FINISHED and FAILED are terminal.
}

var messageTransitions = map[MessageStatus][]MessageStatus{
	MessagePending: {MessageQueued},
	MessageQueued:  {MessageSent, MessageFailed},
	// A failed message may be re-queued by the retry policy.
	MessageFailed: {MessageQueued},
}

var campaignTransitions = map[CampaignStatus][]CampaignStatus{
	CampaignDraft:     {CampaignScheduled, CampaignRunning},
	CampaignScheduled: {CampaignRunning, CampaignFailed},
	CampaignRunning:   {CampaignFinished, CampaignFailed},
	// A finished or failed campaign can be force-restarted.
	CampaignFinished: {CampaignScheduled, CampaignRunning},
	CampaignFailed:   {CampaignScheduled, CampaignRunning},
}

func (s RunStatus) Terminal() bool {
	return s == RunFinished || s == RunFailed
}

func (s RunStatus) CanTransition(to RunStatus) bool {
	return contains(runTransitions[s], to)
}

func (s MessageStatus) CanTransition(to MessageStatus) bool {
	return contains(messageTransitions[s], to)
}

func (s CampaignStatus) CanTransition(to CampaignStatus) bool {
	return contains(campaignTransitions[s], to)
}

// statusesInto lists the statuses allowed to move into next, for use as
// an UPDATE predicate on message writes that happen outside a row lock.
func statusesInto(next MessageStatus) []string {
	var out []string
	for from, tos := range messageTransitions {
		if contains(tos, next) {
			out = append(out, string(from))
		}
	}
	return out
}

func contains[T comparable](xs []T, want T) bool {
	for _, x := range xs {
		if x == want {
			return true
		}
	}
	return false
}
