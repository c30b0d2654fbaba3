package flag

import (
	"testing"
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

func TestReadyForMembership(t *testing.T) {
	rule := NewReadyForMembershipRule(DefaultWindows())

	tests := []struct {
		name   string
		events []model.Event
		want   Outcome
	}{
		{"recent day pass purchase", []model.Event{ev(model.EventDayPassPurchase, daysAgo(5))}, Fired},
		{"boundary 14 days", []model.Event{ev(model.EventDayPassPurchase, daysAgo(14))}, Fired},
		{"purchase too old", []model.Event{ev(model.EventDayPassPurchase, daysAgo(20))}, NotFired},
		{"membership anywhere in history", []model.Event{
			ev(model.EventMembershipRenewal, daysAgo(400)),
			ev(model.EventDayPassPurchase, daysAgo(2)),
		}, NotFired},
		{"future purchase ignored", []model.Event{ev(model.EventDayPassPurchase, now.AddDate(0, 0, 2))}, NotFired},
		{"membership started without purchase", []model.Event{
			ev(model.EventMembershipStarted, daysAgo(100)),
			ev(model.EventDayPassPurchase, daysAgo(2)),
		}, Fired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rule.Evaluate(ctxFor(model.GroupA, tt.events...))
			if got.Outcome != tt.want {
				t.Errorf("Outcome = %s (%s), want %s", got.Outcome, got.Reason, tt.want)
			}
		})
	}
}

func TestReadyForMembership_FlagData(t *testing.T) {
	rule := NewReadyForMembershipRule(DefaultWindows())

	got := rule.Evaluate(ctxFor(model.GroupA,
		ev(model.EventDayPassPurchase, daysAgo(10)),
		ev(model.EventDayPassPurchase, daysAgo(3)),
	))
	if got.Outcome != Fired {
		t.Fatalf("Outcome = %s, want fired", got.Outcome)
	}
	d := got.Flag.Data
	if d["day_pass_count_last_14_days"] != 2 {
		t.Errorf("count = %v, want 2", d["day_pass_count_last_14_days"])
	}
	if d["days_since_last_pass"] != 3 {
		t.Errorf("days_since_last_pass = %v, want 3", d["days_since_last_pass"])
	}
	if d["most_recent_day_pass_date"] != daysAgo(3).Format(model.DateLayout) {
		t.Errorf("most_recent_day_pass_date = %v", d["most_recent_day_pass_date"])
	}
}

func TestWinbackOffer_Conditions(t *testing.T) {
	rule := NewWinbackOfferRule(FlagFirstTimeDayPassOffer, model.GroupA, DefaultExperimentID, DefaultWindows())

	tests := []struct {
		name       string
		group      model.Group
		events     []model.Event
		want       Outcome
		wantReason string
	}{
		{"first visit yesterday", model.GroupA, []model.Event{checkin(daysAgo(1), true)}, Fired, ""},
		{"wrong group", model.GroupB, []model.Event{checkin(daysAgo(1), true)}, NotFired, "ab group mismatch"},
		{"no day pass check-in", model.GroupA, []model.Event{checkin(daysAgo(1), false)}, NotFired, "no day pass check-in"},
		{"stale check-in", model.GroupA, []model.Event{checkin(daysAgo(4), true)}, NotFired, "latest day pass check-in is stale"},
		{"freshness boundary", model.GroupA, []model.Event{checkin(daysAgo(3), true)}, Fired, ""},
		{"prior visit within 60 days", model.GroupA, []model.Event{
			checkin(daysAgo(40), true),
			checkin(daysAgo(1), true),
		}, NotFired, "recent prior day pass check-in"},
		{"returning after a break", model.GroupA, []model.Event{
			checkin(daysAgo(90), true),
			checkin(daysAgo(1), true),
		}, Fired, ""},
		{"same-day re-entry is one visit", model.GroupA, []model.Event{
			checkin(daysAgo(1), true),
			checkin(daysAgo(1).Add(2*time.Hour), true),
		}, Fired, ""},
		{"active member", model.GroupA, []model.Event{
			ev(model.EventMembershipPurchase, daysAgo(30)),
			checkin(daysAgo(1), true),
		}, NotFired, "active member"},
		{"cancelled member", model.GroupA, []model.Event{
			ev(model.EventMembershipPurchase, daysAgo(300)),
			ev(model.EventMembershipCancellation, daysAgo(200)),
			checkin(daysAgo(1), true),
		}, Fired, ""},
		{"membership started only", model.GroupA, []model.Event{
			ev(model.EventMembershipStarted, daysAgo(30)),
			checkin(daysAgo(1), true),
		}, Fired, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rule.Evaluate(ctxFor(tt.group, tt.events...))
			if got.Outcome != tt.want {
				t.Errorf("Outcome = %s (%s), want %s", got.Outcome, got.Reason, tt.want)
			}
			if tt.wantReason != "" && got.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", got.Reason, tt.wantReason)
			}
		})
	}
}

func TestWinbackOffer_FlagDataCarriesExperiment(t *testing.T) {
	rule := NewWinbackOfferRule(FlagSecondVisitOfferEligible, model.GroupB, "exp-1", DefaultWindows())

	got := rule.Evaluate(ctxFor(model.GroupB, checkin(daysAgo(2), true)))
	if got.Outcome != Fired {
		t.Fatalf("Outcome = %s (%s)", got.Outcome, got.Reason)
	}
	if got.Flag.Data["days_since_checkin"] != 2 {
		t.Errorf("days_since_checkin = %v, want 2", got.Flag.Data["days_since_checkin"])
	}
	id, group, ok := got.Flag.ExperimentTag()
	if !ok || id != "exp-1" || group != model.GroupB {
		t.Errorf("ExperimentTag = (%q, %q, %v)", id, group, ok)
	}
}

func TestWinbackOffer_Cooldown(t *testing.T) {
	rule := NewWinbackOfferRule(FlagFirstTimeDayPassOffer, model.GroupA, DefaultExperimentID, DefaultWindows())

	// 10日前に発火済み → 180日のクールダウン中
	blocked := rule.Evaluate(ctxFor(model.GroupA,
		flagEvent(FlagFirstTimeDayPassOffer, daysAgo(10), nil),
		checkin(daysAgo(1), true),
	))
	if blocked.Outcome != NotFired || blocked.Reason != "cooldown" {
		t.Errorf("クールダウン中は発火してはならない: %s (%s)", blocked.Outcome, blocked.Reason)
	}

	// クールダウン経過後に新たな来館があれば再び発火できる
	eligible := rule.Evaluate(ctxFor(model.GroupA,
		checkin(daysAgo(182), true),
		flagEvent(FlagFirstTimeDayPassOffer, daysAgo(181), nil),
		checkin(daysAgo(1), true),
	))
	if eligible.Outcome != Fired {
		t.Errorf("クールダウン経過後は発火すべき: %s (%s)", eligible.Outcome, eligible.Reason)
	}
}

func TestWinbackOffer_CooldownWindowOverride(t *testing.T) {
	w := DefaultWindows()
	w.Cooldown = 7
	rule := NewWinbackOfferRule(FlagFirstTimeDayPassOffer, model.GroupA, DefaultExperimentID, w)

	got := rule.Evaluate(ctxFor(model.GroupA,
		flagEvent(FlagFirstTimeDayPassOffer, daysAgo(10), nil),
		checkin(daysAgo(1), true),
	))
	if got.Outcome != Fired {
		t.Errorf("短縮したクールダウンでは発火すべき: %s (%s)", got.Outcome, got.Reason)
	}
}

func TestReturnVisitOffer_FunnelOrdering(t *testing.T) {
	rule := NewReturnVisitOfferRule(FlagSecondVisitTwoWeekOffer, FlagSecondVisitOfferEligible, DefaultExperimentID, DefaultWindows())
	step1At := daysAgo(5)
	step1 := flagEvent(FlagSecondVisitOfferEligible, step1At, map[string]any{"ab_group": "B"})

	tests := []struct {
		name   string
		events []model.Event
		want   Outcome
	}{
		{"no step-1 flag", []model.Event{checkin(daysAgo(1), true)}, NotFired},
		{"check-in only before step-1", []model.Event{checkin(daysAgo(6), true), step1}, NotFired},
		{"check-in at the same instant", []model.Event{step1, checkin(step1At, true)}, NotFired},
		{"returned after step-1", []model.Event{checkin(daysAgo(6), true), step1, checkin(daysAgo(1), false)}, Fired},
		{"returned but became a member", []model.Event{
			step1,
			checkin(daysAgo(2), false),
			ev(model.EventMembershipPurchase, daysAgo(1)),
		}, NotFired},
		{"step-2 already sent", []model.Event{
			step1,
			checkin(daysAgo(3), false),
			flagEvent(FlagSecondVisitTwoWeekOffer, daysAgo(2), nil),
		}, NotFired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rule.Evaluate(ctxFor(model.GroupB, tt.events...))
			if got.Outcome != tt.want {
				t.Errorf("Outcome = %s (%s), want %s", got.Outcome, got.Reason, tt.want)
			}
		})
	}
}

func TestReturnVisitOffer_FlagData(t *testing.T) {
	rule := NewReturnVisitOfferRule(FlagSecondVisitTwoWeekOffer, FlagSecondVisitOfferEligible, "exp-1", DefaultWindows())

	got := rule.Evaluate(ctxFor(model.GroupA,
		flagEvent(FlagSecondVisitOfferEligible, daysAgo(5), map[string]any{"ab_group": "B"}),
		checkin(daysAgo(1), false),
	))
	if got.Outcome != Fired {
		t.Fatalf("Outcome = %s (%s)", got.Outcome, got.Reason)
	}
	if got.Flag.Data["step1_flag_date"] != daysAgo(5).Format(model.DateLayout) {
		t.Errorf("step1_flag_date = %v", got.Flag.Data["step1_flag_date"])
	}
	if got.Flag.Data["return_checkin_date"] != daysAgo(1).Format(model.DateLayout) {
		t.Errorf("return_checkin_date = %v", got.Flag.Data["return_checkin_date"])
	}
	// 1段目のフラグに記録されたグループを引き継ぐ
	if got.Flag.Data[model.FlagDataABGroup] != "B" {
		t.Errorf("ab_group = %v, want B", got.Flag.Data[model.FlagDataABGroup])
	}
}

func TestFilterActive_RetentionWindow(t *testing.T) {
	flags := []model.Flag{
		{FlagType: "fresh", TriggeredAt: now},
		{FlagType: "edge", TriggeredAt: daysAgo(14)},
		{FlagType: "expired", TriggeredAt: daysAgo(15)},
	}

	got := FilterActive(flags, now, 14)
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	for _, f := range got {
		if f.FlagType == "expired" {
			t.Error("保持期間を過ぎたフラグは除外すべき")
		}
	}
}

func TestFlagFromEvent_RoundTrip(t *testing.T) {
	f := model.Flag{CustomerID: testCustomer, FlagType: FlagReadyForMembership, TriggeredAt: now, Priority: model.PriorityHigh,
		Data: map[string]any{"description": "x"}}

	got, ok := FlagFromEvent(f.Event())
	if !ok {
		t.Fatal("flag_setイベントから復元できるべき")
	}
	if got.FlagType != f.FlagType || got.Priority != f.Priority || !got.TriggeredAt.Equal(now) {
		t.Errorf("got = %+v", got)
	}

	if _, ok := FlagFromEvent(checkin(now, true)); ok {
		t.Error("flag_set以外は復元できないべき")
	}
}
