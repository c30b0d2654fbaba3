// Package flag は顧客タイムラインに対する固定のフラグルール群と、
// それらを顧客ごとに並列評価するエンジンを提供する。
//
// ルールは (顧客ID, ソート済みイベント, 基準時刻) の純粋関数で、
// ファネルの状態は保存せず、毎回イベント履歴を走査して再構成する。
package flag

import (
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

// Outcome はルール評価の三値結果。
type Outcome int

const (
	// NotFired は条件を満たさなかったことを示す。
	NotFired Outcome = iota
	// Fired はフラグを発火したことを示す。
	Fired
	// Unavailable は外部依存が利用できず今回は判定できなかったことを示す。
	Unavailable
)

// String はログ用の表記を返す。
func (o Outcome) String() string {
	switch o {
	case Fired:
		return "fired"
	case Unavailable:
		return "dependency_unavailable"
	default:
		return "not_fired"
	}
}

// Result はルール評価の結果。
type Result struct {
	Outcome Outcome
	Flag    model.Flag
	Reason  string
	Err     error
}

func fired(f model.Flag) Result {
	return Result{Outcome: Fired, Flag: f}
}

func notFired(reason string) Result {
	return Result{Outcome: NotFired, Reason: reason}
}

func unavailable(err error) Result {
	return Result{Outcome: Unavailable, Reason: "dependency unavailable", Err: err}
}

// EvalContext はルールに渡す評価コンテキスト。
// Eventsはタイムスタンプ順にソート済みで、評価中に変更してはならない。
// Contactは任意で、必要としないルールは無視する。
type EvalContext struct {
	CustomerID string
	Events     []model.Event
	Now        time.Time
	Contact    model.Contact
	Group      model.Group
}

// Rule はフラグルールのインターフェース。
type Rule interface {
	Info() model.RuleInfo
	Evaluate(ec EvalContext) Result
}

// Windows はルールが使う日数の定数群。テストなどで構築時に上書きできる。
type Windows struct {
	// MembershipLookback はready_for_membershipのデイパス購入の遡及日数。
	MembershipLookback int
	// QuietPeriod は「初回または久しぶり」とみなすため直前にデイパス入場がない日数。
	QuietPeriod int
	// Cooldown は同じフラグを再発火しない日数。
	Cooldown int
	// Freshness は直近のデイパス入場が基準時刻から何日以内であるべきか。
	Freshness int
	// Retention は報告対象として残すフラグの日数。
	Retention int
	// HostDaysOut はパーティー主催者へのリマインド日数。
	HostDaysOut int
	// AttendeeDaysOut はパーティー参加者へのリマインド日数。
	AttendeeDaysOut int
}

// DefaultWindows は既定の日数を返す。
func DefaultWindows() Windows {
	return Windows{
		MembershipLookback: 14,
		QuietPeriod:        60,
		Cooldown:           180,
		Freshness:          3,
		Retention:          14,
		HostDaysOut:        6,
		AttendeeDaysOut:    7,
	}
}

// フラグ種別
const (
	FlagReadyForMembership       = "ready_for_membership"
	FlagFirstTimeDayPassOffer    = "first_time_day_pass_2wk_offer"
	FlagSecondVisitOfferEligible = "second_visit_offer_eligible"
	FlagSecondVisitTwoWeekOffer  = "second_visit_2wk_offer"
	FlagPartyHostSixDaysOut      = "birthday_party_host_six_days_out"
	FlagPartyAttendeeOneWeekOut  = "birthday_party_attendee_one_week_out"
)

// DefaultExperimentID はデイパス転換ファネルの実験ID。
const DefaultExperimentID = "day_pass_conversion_2026_01"

// DefaultRules は既定のルールセットを返す。
// reservationsがnilの場合、パーティー系ルールは登録しない。
func DefaultRules(w Windows, experimentID string, reservations ReservationLookup) []Rule {
	if experimentID == "" {
		experimentID = DefaultExperimentID
	}
	rules := []Rule{
		NewReadyForMembershipRule(w),
		NewWinbackOfferRule(FlagFirstTimeDayPassOffer, model.GroupA, experimentID, w),
		NewWinbackOfferRule(FlagSecondVisitOfferEligible, model.GroupB, experimentID, w),
		NewReturnVisitOfferRule(FlagSecondVisitTwoWeekOffer, FlagSecondVisitOfferEligible, experimentID, w),
	}
	if reservations != nil {
		rules = append(rules,
			NewPartyHostRule(reservations, w),
			NewPartyAttendeeRule(reservations, w),
		)
	}
	return rules
}
