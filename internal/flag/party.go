package flag

import (
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

// ReservationLookup はパーティー予約の外部参照。メールアドレスと開催日で引く。
// 参照に失敗した場合はエラーを返し、ルールはそのサイクルでは発火しない。
type ReservationLookup interface {
	HostedOn(email string, date time.Time) ([]model.Reservation, error)
	AttendingOn(email string, date time.Time) ([]model.Reservation, error)
}

// PartyHostRule は開催6日前のパーティー主催者に発火する。
type PartyHostRule struct {
	lookup ReservationLookup
	w      Windows
}

// NewPartyHostRule はPartyHostRuleを生成する。
func NewPartyHostRule(lookup ReservationLookup, w Windows) *PartyHostRule {
	return &PartyHostRule{lookup: lookup, w: w}
}

// Info はルールのメタデータを返す。
func (r *PartyHostRule) Info() model.RuleInfo {
	return model.RuleInfo{
		FlagType:    FlagPartyHostSixDaysOut,
		Description: "Customer hosts a birthday party six days from now",
		Priority:    model.PriorityMedium,
		Version:     1,
	}
}

// Evaluate はルールを評価する。
func (r *PartyHostRule) Evaluate(ec EvalContext) Result {
	info := r.Info()
	return evaluateParty(ec, info, r.lookup.HostedOn, r.w.HostDaysOut, func(p model.Reservation) map[string]any {
		return map[string]any{
			"party_id":     p.PartyID,
			"child_name":   p.ChildName,
			"party_date":   p.PartyDate,
			"party_time":   p.PartyTime,
			"total_yes":    p.AttendingCount(),
			"total_guests": len(p.Guests),
			"description":  info.Description,
		}
	})
}

// PartyAttendeeRule は出席予定のパーティーの7日前に発火する。
type PartyAttendeeRule struct {
	lookup ReservationLookup
	w      Windows
}

// NewPartyAttendeeRule はPartyAttendeeRuleを生成する。
func NewPartyAttendeeRule(lookup ReservationLookup, w Windows) *PartyAttendeeRule {
	return &PartyAttendeeRule{lookup: lookup, w: w}
}

// Info はルールのメタデータを返す。
func (r *PartyAttendeeRule) Info() model.RuleInfo {
	return model.RuleInfo{
		FlagType:    FlagPartyAttendeeOneWeekOut,
		Description: "Customer is attending a birthday party one week from now",
		Priority:    model.PriorityMedium,
		Version:     1,
	}
}

// Evaluate はルールを評価する。
func (r *PartyAttendeeRule) Evaluate(ec EvalContext) Result {
	info := r.Info()
	return evaluateParty(ec, info, r.lookup.AttendingOn, r.w.AttendeeDaysOut, func(p model.Reservation) map[string]any {
		return map[string]any{
			"party_id":    p.PartyID,
			"child_name":  p.ChildName,
			"party_date":  p.PartyDate,
			"party_time":  p.PartyTime,
			"host_email":  p.HostEmail,
			"description": info.Description,
		}
	})
}

func evaluateParty(
	ec EvalContext,
	info model.RuleInfo,
	lookup func(email string, date time.Time) ([]model.Reservation, error),
	daysOut int,
	data func(model.Reservation) map[string]any,
) Result {
	if ec.Contact.Email == "" {
		return notFired("no email")
	}

	target := dateOf(ec.Now).AddDate(0, 0, daysOut)
	parties, err := lookup(ec.Contact.Email, target)
	if err != nil {
		return unavailable(model.NewExternalLookupError(info.FlagType, err))
	}

	events := past(ec.Events, ec.Now)
	for _, p := range parties {
		if alreadyFlaggedForParty(events, info.FlagType, p.PartyID) {
			continue
		}
		return fired(model.Flag{
			CustomerID: ec.CustomerID,
			FlagType:   info.FlagType,
			Priority:   info.Priority,
			Data:       data(p),
		})
	}
	return notFired("no party on target date")
}

func alreadyFlaggedForParty(events []model.Event, flagType, partyID string) bool {
	return anyOf(events, func(e model.Event) bool {
		if !isFlag(flagType)(e) {
			return false
		}
		id, _ := flagData(e)["party_id"].(string)
		return id == partyID
	})
}
