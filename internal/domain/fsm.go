package domain

import "fmt"

// CampaignEvent is an operator or pipeline action applied to a campaign.
type CampaignEvent string

const (
	EventQueue    CampaignEvent = "queue"
	EventSchedule CampaignEvent = "schedule"
	EventPause    CampaignEvent = "pause"
	EventResume   CampaignEvent = "resume"
	EventCancel   CampaignEvent = "cancel"
	EventComplete CampaignEvent = "complete"
	EventRetry    CampaignEvent = "retry"
	EventRevert   CampaignEvent = "revert"
)

// campaignTransitions is the single source of truth for campaign lifecycle.
// Every mutator (operator actions, workers, tracking ingestion) goes through
// CampaignTransition instead of re-validating status strings at call sites.
var campaignTransitions = map[CampaignStatus]map[CampaignEvent]CampaignStatus{
	CampaignDraft: {
		EventQueue:    CampaignSending,
		EventSchedule: CampaignScheduled,
	},
	CampaignScheduled: {
		EventQueue:  CampaignSending,
		EventCancel: CampaignCancelled,
		EventRevert: CampaignDraft,
	},
	CampaignSending: {
		EventPause:    CampaignPaused,
		EventCancel:   CampaignCancelled,
		EventComplete: CampaignCompleted,
		EventRevert:   CampaignDraft,
	},
	CampaignPaused: {
		EventResume: CampaignSending,
		EventCancel: CampaignCancelled,
	},
	CampaignCompleted: {
		EventRetry: CampaignSending,
	},
}

// TransitionError reports a lifecycle event applied in the wrong status.
type TransitionError struct {
	Current CampaignStatus
	Event   CampaignEvent
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("campaign cannot %s from %s status", e.Event, e.Current)
}

// CampaignTransition returns the next status for the given event, or a
// TransitionError if the event is not allowed from the current status.
func CampaignTransition(current CampaignStatus, event CampaignEvent) (CampaignStatus, error) {
	next, ok := campaignTransitions[current][event]
	if !ok {
		return current, &TransitionError{Current: current, Event: event}
	}
	return next, nil
}

// funnelRank orders the recipient engagement funnel. Higher ranks never
// regress: a DELIVERED webhook arriving after an OPENED pixel hit is a no-op.
var funnelRank = map[RecipientStatus]int{
	RecipientPending:   0,
	RecipientQueued:    1,
	RecipientSent:      2,
	RecipientDelivered: 3,
	RecipientOpened:    4,
	RecipientClicked:   5,
}

// terminalRecipient marks statuses from which no automatic transition occurs.
var terminalRecipient = map[RecipientStatus]bool{
	RecipientBounced:      true,
	RecipientFailed:       true,
	RecipientUnsubscribed: true,
}

// FunnelNext applies an incoming status to the current one under the
// monotonic funnel rules. It returns the status to persist and whether the
// persisted value actually changed. Terminal states are sticky; a lower-rank
// incoming status is absorbed without regressing.
func FunnelNext(current, incoming RecipientStatus) (RecipientStatus, bool) {
	if terminalRecipient[current] {
		return current, false
	}
	if terminalRecipient[incoming] {
		return incoming, true
	}
	cur, curOK := funnelRank[current]
	in, inOK := funnelRank[incoming]
	if !curOK || !inOK || in <= cur {
		return current, false
	}
	return incoming, true
}
