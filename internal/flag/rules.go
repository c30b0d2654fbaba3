package flag

import (
	"fmt"

	"github.com/hitoshi/gymflag/internal/model"
)

// ReadyForMembershipRule は直近にデイパスを購入し、まだメンバーシップを
// 持ったことがない顧客を検出する。
type ReadyForMembershipRule struct {
	w Windows
}

// NewReadyForMembershipRule はReadyForMembershipRuleを生成する。
func NewReadyForMembershipRule(w Windows) *ReadyForMembershipRule {
	return &ReadyForMembershipRule{w: w}
}

// Info はルールのメタデータを返す。
func (r *ReadyForMembershipRule) Info() model.RuleInfo {
	return model.RuleInfo{
		FlagType:    FlagReadyForMembership,
		Description: "Customer purchased a day pass recently and has never held a membership",
		Priority:    model.PriorityHigh,
		Version:     1,
	}
}

// Evaluate はルールを評価する。
func (r *ReadyForMembershipRule) Evaluate(ec EvalContext) Result {
	events := past(ec.Events, ec.Now)

	var count int
	var latest model.Event
	for _, e := range events {
		if e.Type != model.EventDayPassPurchase {
			continue
		}
		if daysBetween(e.Timestamp, ec.Now) <= r.w.MembershipLookback {
			count++
			latest = e
		}
	}
	if count == 0 {
		return notFired("no day pass purchase in lookback window")
	}
	if anyOf(events, membershipActivation) {
		return notFired("has membership history")
	}

	info := r.Info()
	return fired(model.Flag{
		CustomerID: ec.CustomerID,
		FlagType:   info.FlagType,
		Priority:   info.Priority,
		Data: map[string]any{
			"day_pass_count_last_14_days": count,
			"most_recent_day_pass_date":   latest.Timestamp.UTC().Format(model.DateLayout),
			"days_since_last_pass":        daysBetween(latest.Timestamp, ec.Now),
			"description":                 info.Description,
		},
	})
}

// WinbackOfferRule はウィンバックファネルの1段目。
// 対象グループの顧客が初めて、または久しぶりにデイパスで来館した直後に発火する。
type WinbackOfferRule struct {
	flagType     string
	group        model.Group
	experimentID string
	w            Windows
}

// NewWinbackOfferRule はWinbackOfferRuleを生成する。
func NewWinbackOfferRule(flagType string, group model.Group, experimentID string, w Windows) *WinbackOfferRule {
	return &WinbackOfferRule{flagType: flagType, group: group, experimentID: experimentID, w: w}
}

// Info はルールのメタデータを返す。
func (r *WinbackOfferRule) Info() model.RuleInfo {
	return model.RuleInfo{
		FlagType:    r.flagType,
		Description: fmt.Sprintf("Group %s: first-time or returning day pass visitor, not a member", r.group),
		Priority:    model.PriorityMedium,
		Version:     1,
	}
}

// Evaluate は6条件を順に確認し、最初に満たさなかった条件で打ち切る。
func (r *WinbackOfferRule) Evaluate(ec EvalContext) Result {
	if ec.Group != r.group {
		return notFired("ab group mismatch")
	}

	events := past(ec.Events, ec.Now)

	latest, ok := lastOf(events, isDayPassCheckin)
	if !ok {
		return notFired("no day pass check-in")
	}

	sinceCheckin := daysBetween(latest.Timestamp, ec.Now)
	if sinceCheckin > r.w.Freshness {
		return notFired("latest day pass check-in is stale")
	}

	// 同日の再入場は同じ来館として扱う
	latestDate := dateOf(latest.Timestamp)
	for _, e := range events {
		if !isDayPassCheckin(e) || !dateOf(e.Timestamp).Before(latestDate) {
			continue
		}
		if daysBetween(e.Timestamp, latest.Timestamp) <= r.w.QuietPeriod {
			return notFired("recent prior day pass check-in")
		}
	}

	if isActiveMember(events) {
		return notFired("active member")
	}

	if flaggedWithin(events, r.flagType, ec.Now, r.w.Cooldown) {
		return notFired("cooldown")
	}

	info := r.Info()
	return fired(model.Flag{
		CustomerID: ec.CustomerID,
		FlagType:   info.FlagType,
		Priority:   info.Priority,
		Data: map[string]any{
			"days_since_checkin":       sinceCheckin,
			"last_checkin_date":        latest.Timestamp.UTC().Format(model.DateLayout),
			model.FlagDataABGroup:      string(r.group),
			model.FlagDataExperimentID: r.experimentID,
			"description":              info.Description,
		},
	})
}

// ReturnVisitOfferRule はウィンバックファネルの2段目。
// 1段目のフラグ以降に再来館した顧客に発火する。
//
//	{未オファー} → [1段目] → {オファー済み} → [再来館] → [2段目] → {転換または離脱}
type ReturnVisitOfferRule struct {
	flagType     string
	afterFlag    string
	experimentID string
	w            Windows
}

// NewReturnVisitOfferRule はReturnVisitOfferRuleを生成する。afterFlagは1段目のフラグ種別。
func NewReturnVisitOfferRule(flagType, afterFlag, experimentID string, w Windows) *ReturnVisitOfferRule {
	return &ReturnVisitOfferRule{flagType: flagType, afterFlag: afterFlag, experimentID: experimentID, w: w}
}

// Info はルールのメタデータを返す。
func (r *ReturnVisitOfferRule) Info() model.RuleInfo {
	return model.RuleInfo{
		FlagType:    r.flagType,
		Description: fmt.Sprintf("Customer returned after %s; send the 2-week offer", r.afterFlag),
		Priority:    model.PriorityMedium,
		Version:     1,
	}
}

// Evaluate はルールを評価する。
func (r *ReturnVisitOfferRule) Evaluate(ec EvalContext) Result {
	events := past(ec.Events, ec.Now)

	step1, ok := lastOf(events, isFlag(r.afterFlag))
	if !ok {
		return notFired("no step-1 flag")
	}

	var returned model.Event
	found := false
	for _, e := range events {
		if e.Type == model.EventCheckin && e.Timestamp.After(step1.Timestamp) {
			returned = e
			found = true
			break
		}
	}
	if !found {
		return notFired("no check-in after step-1 flag")
	}

	if isActiveMember(events) {
		return notFired("active member")
	}

	if flaggedWithin(events, r.flagType, ec.Now, r.w.Cooldown) {
		return notFired("cooldown")
	}

	group := ec.Group
	if g, ok := flagData(step1)[model.FlagDataABGroup].(string); ok && model.Group(g).Valid() {
		group = model.Group(g)
	}

	info := r.Info()
	data := map[string]any{
		"step1_flag_date":     step1.Timestamp.UTC().Format(model.DateLayout),
		"return_checkin_date": returned.Timestamp.UTC().Format(model.DateLayout),
		"days_since_step1":    daysBetween(step1.Timestamp, ec.Now),
		"description":         info.Description,
	}
	if group.Valid() {
		data[model.FlagDataABGroup] = string(group)
		data[model.FlagDataExperimentID] = r.experimentID
	}
	return fired(model.Flag{
		CustomerID: ec.CustomerID,
		FlagType:   info.FlagType,
		Priority:   info.Priority,
		Data:       data,
	})
}
