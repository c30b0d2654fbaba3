package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var flagEventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("gymflag/flag-set"))

// Priority はフラグの優先度。
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank は並び替え用の順位を返す。小さいほど優先度が高い。
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// RuleInfo はフラグルールのメタデータ。
type RuleInfo struct {
	FlagType    string
	Description string
	Priority    Priority
	Version     int
}

// flag_dataの予約キー
const (
	FlagDataExperimentID = "experiment_id"
	FlagDataABGroup      = "ab_group"
)

// DateLayout はtriggered_dateやentry_dateのISO日付形式。
const DateLayout = "2006-01-02"

// Flag は顧客が現在ルールの条件を満たしていることを示すシグナル。
type Flag struct {
	CustomerID  string
	FlagType    string
	TriggeredAt time.Time
	Data        map[string]any
	Priority    Priority
}

// TriggeredDate はISO形式の発火日を返す。
func (f Flag) TriggeredDate() string {
	return f.TriggeredAt.UTC().Format(DateLayout)
}

// DataJSON はflag_dataをJSON文字列にシリアライズする。
func (f Flag) DataJSON() (string, error) {
	data := f.Data
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("flag_dataのシリアライズに失敗しました: %w", err)
	}
	return string(b), nil
}

// ExperimentTag はflag_dataに実験IDとグループが含まれている場合にそれらを返す。
func (f Flag) ExperimentTag() (string, Group, bool) {
	if f.Data == nil {
		return "", "", false
	}
	id, _ := f.Data[FlagDataExperimentID].(string)
	var group Group
	switch g := f.Data[FlagDataABGroup].(type) {
	case Group:
		group = g
	case string:
		group = Group(g)
	}
	if id == "" || !group.Valid() {
		return "", "", false
	}
	return id, group, true
}

// Event はフラグをflag_setイベントに変換する。
// イベントIDは(顧客ID, フラグ種別, 発火日)から決まる。
func (f Flag) Event() Event {
	return Event{
		ID:          uuid.NewSHA1(flagEventNamespace, []byte(f.CustomerID+"|"+f.FlagType+"|"+f.TriggeredDate())).String(),
		CustomerID:  f.CustomerID,
		Timestamp:   f.TriggeredAt,
		Type:        EventFlagSet,
		Source:      "flag_engine",
		Attribution: AttributionExactID,
		Confidence:  ConfidenceExact,
		Payload: map[string]any{
			"flag_type": f.FlagType,
			"priority":  string(f.Priority),
			"flag_data": f.Data,
		},
	}
}

// SortFlags は優先度（high, medium, low）、発火日時、顧客IDの順に並べる。
func SortFlags(flags []Flag) {
	sort.SliceStable(flags, func(i, j int) bool {
		a, b := flags[i], flags[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.TriggeredAt.Equal(b.TriggeredAt) {
			return a.TriggeredAt.Before(b.TriggeredAt)
		}
		return a.CustomerID < b.CustomerID
	})
}
