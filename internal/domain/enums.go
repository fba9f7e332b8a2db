package domain

import "strings"

// Pipeline stages in board order.
const (
	StageDiscovery     = "DISCOVERY"
	StageContacted     = "CONTACTED"
	StageEngaged       = "ENGAGED"
	StageQualified     = "QUALIFIED"
	StageTechnicalEval = "TECHNICAL_EVAL"
	StageNurture       = "NURTURE"
	StageWon           = "WON"
	StageLost          = "LOST"
)

var Stages = []string{
	StageDiscovery,
	StageContacted,
	StageEngaged,
	StageQualified,
	StageTechnicalEval,
	StageNurture,
	StageWon,
	StageLost,
}

// StageRank orders stages by progress. NURTURE is a paused branch and ranks with DISCOVERY.
func StageRank(stage string) int {
	switch stage {
	case StageDiscovery, StageNurture:
		return 0
	case StageContacted:
		return 1
	case StageEngaged:
		return 2
	case StageQualified:
		return 3
	case StageTechnicalEval:
		return 4
	case StageWon, StageLost:
		return 5
	}
	return -1
}

func IsTerminalStage(stage string) bool {
	return stage == StageWon || stage == StageLost
}

func IsStage(stage string) bool {
	return StageRank(stage) >= 0
}

const (
	ChannelEmail    = "EMAIL"
	ChannelLinkedIn = "LINKEDIN"
	ChannelMeeting  = "MEETING"
	ChannelCall     = "CALL"

	DirectionOutbound = "OUTBOUND"
	DirectionInbound  = "INBOUND"

	SentimentPositive = "POSITIVE"
	SentimentNeutral  = "NEUTRAL"
	SentimentNegative = "NEGATIVE"
)

const (
	GradeA = "A"
	GradeB = "B"
	GradeC = "C"
)

const (
	DraftStatusDraft    = "DRAFT"
	DraftStatusApproved = "APPROVED"
	DraftStatusRejected = "REJECTED"

	IntentFirstTouch     = "FIRST_TOUCH"
	IntentFollowUp       = "FOLLOW_UP"
	IntentMeetingRequest = "MEETING_REQUEST"
)

const (
	SignalHiring      = "HIRING"
	SignalCapex       = "CAPEX"
	SignalNPI         = "NPI"
	SignalExpansion   = "EXPANSION"
	SignalSupplyChain = "SUPPLY_CHAIN"
)

var Segments = []string{
	"WAFER_FAB",
	"INSPECTION_METROLOGY",
	"PACKAGING_TEST",
	"FACTORY_AUTOMATION",
	"DISPLAY",
	"SEMICON",
}

var PriorityTiers = []string{"T1", "T2", "T3"}

func IsChannel(v string) bool {
	return oneOf(v, ChannelEmail, ChannelLinkedIn, ChannelMeeting, ChannelCall)
}

func IsDirection(v string) bool {
	return oneOf(v, DirectionOutbound, DirectionInbound)
}

func IsSentiment(v string) bool {
	return oneOf(v, SentimentPositive, SentimentNeutral, SentimentNegative)
}

func IsDraftChannel(v string) bool {
	return oneOf(v, ChannelEmail, ChannelLinkedIn)
}

func IsIntent(v string) bool {
	return oneOf(v, IntentFirstTouch, IntentFollowUp, IntentMeetingRequest)
}

func IsSegment(v string) bool {
	return oneOf(v, Segments...)
}

func IsPriorityTier(v string) bool {
	return oneOf(v, PriorityTiers...)
}

// Normalize upper-cases and trims an enum value supplied by a caller.
func Normalize(v string) string {
	return strings.ToUpper(strings.TrimSpace(v))
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}
