package flag

import (
	"sort"
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

// dateOf は時刻をUTCの日付（0時）に丸める。
func dateOf(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// daysBetween はfromからtoまでの暦日数を返す。
func daysBetween(from, to time.Time) int {
	return int(dateOf(to).Sub(dateOf(from)).Hours() / 24)
}

// past は基準時刻以前のイベントだけを返す。eventsはソート済みであること。
func past(events []model.Event, now time.Time) []model.Event {
	i := sort.Search(len(events), func(i int) bool {
		return events[i].Timestamp.After(now)
	})
	return events[:i]
}

// lastOf は条件に一致する最後のイベントを返す。
func lastOf(events []model.Event, match func(model.Event) bool) (model.Event, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if match(events[i]) {
			return events[i], true
		}
	}
	return model.Event{}, false
}

func anyOf(events []model.Event, match func(model.Event) bool) bool {
	_, ok := lastOf(events, match)
	return ok
}

func isType(types ...model.EventType) func(model.Event) bool {
	return func(e model.Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

func isDayPassCheckin(e model.Event) bool {
	return e.Type == model.EventCheckin && e.PayloadBool("is_day_pass")
}

func isFlag(flagType string) func(model.Event) bool {
	return func(e model.Event) bool {
		return e.Type == model.EventFlagSet && e.PayloadString("flag_type") == flagType
	}
}

// membershipActivation はメンバーシップの購入・更新イベント。
// membership_startedは名簿側の文脈情報で、加入の判定には使わない。
var membershipActivation = isType(
	model.EventMembershipPurchase,
	model.EventMembershipRenewal,
)

// isActiveMember は購入・更新・解約のうち最新のものが解約でなければtrueを返す。
func isActiveMember(events []model.Event) bool {
	last, ok := lastOf(events, isType(
		model.EventMembershipPurchase,
		model.EventMembershipRenewal,
		model.EventMembershipCancellation,
	))
	return ok && last.Type != model.EventMembershipCancellation
}

// flaggedWithin は指定種別のフラグが基準時刻からdays日未満に設定されていればtrueを返す。
func flaggedWithin(events []model.Event, flagType string, now time.Time, days int) bool {
	match := isFlag(flagType)
	for i := len(events) - 1; i >= 0; i-- {
		e := events[i]
		if !match(e) {
			continue
		}
		if daysBetween(e.Timestamp, now) < days {
			return true
		}
	}
	return false
}

// flagData はflag_setイベントのflag_dataを返す。
func flagData(e model.Event) map[string]any {
	if e.Payload == nil {
		return nil
	}
	data, _ := e.Payload["flag_data"].(map[string]any)
	return data
}

// FlagFromEvent はflag_setイベントからフラグを復元する。
func FlagFromEvent(e model.Event) (model.Flag, bool) {
	if e.Type != model.EventFlagSet {
		return model.Flag{}, false
	}
	flagType := e.PayloadString("flag_type")
	if flagType == "" {
		return model.Flag{}, false
	}
	return model.Flag{
		CustomerID:  e.CustomerID,
		FlagType:    flagType,
		TriggeredAt: e.Timestamp,
		Data:        flagData(e),
		Priority:    model.Priority(e.PayloadString("priority")),
	}, true
}

// FilterActive は基準時刻からretentionDays日以内に発火したフラグだけを返す。
// 古いフラグは報告対象から外れるが、履歴のイベントとしては残る。
func FilterActive(flags []model.Flag, now time.Time, retentionDays int) []model.Flag {
	out := make([]model.Flag, 0, len(flags))
	for _, f := range flags {
		d := daysBetween(f.TriggeredAt, now)
		if d >= 0 && d <= retentionDays {
			out = append(out, f)
		}
	}
	return out
}
