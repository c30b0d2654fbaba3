package model

import (
	"sort"
	"time"
)

// EventType はイベント種別の閉じた列挙。
type EventType string

const (
	EventDayPassPurchase        EventType = "day_pass_purchase"
	EventMembershipPurchase     EventType = "membership_purchase"
	EventMembershipRenewal      EventType = "membership_renewal"
	EventMembershipCancellation EventType = "membership_cancellation"
	EventMembershipStarted      EventType = "membership_started"
	EventCheckin                EventType = "checkin"
	EventEmailSent              EventType = "email_sent"
	EventSharedPass             EventType = "shared_pass"
	EventReceivedSharedPass     EventType = "received_shared_pass"
	EventStorefrontPurchase     EventType = "storefront_purchase"
	EventRetailPurchase         EventType = "retail_purchase"
	EventProgrammingPurchase    EventType = "programming_purchase"
	EventEventBooking           EventType = "event_booking"
	EventFlagSet                EventType = "flag_set"
)

// Event は正規顧客に帰属したタイムライン上の1イベント。
// 作成後は変更しない。Seqは挿入順で、同時刻のイベントの並びを安定させる。
type Event struct {
	ID          string
	CustomerID  string
	Timestamp   time.Time
	Type        EventType
	Source      string
	Attribution Attribution
	Confidence  Confidence
	Payload     map[string]any
	Seq         int64
}

// SortEvents はイベントをタイムスタンプ昇順、同時刻はSeq昇順に並べる。
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Seq < events[j].Seq
	})
}

// PayloadString はペイロードの文字列値を返す。存在しない場合は空文字列。
func (e Event) PayloadString(key string) string {
	if e.Payload == nil {
		return ""
	}
	s, _ := e.Payload[key].(string)
	return s
}

// PayloadBool はペイロードの真偽値を返す。
func (e Event) PayloadBool(key string) bool {
	if e.Payload == nil {
		return false
	}
	b, _ := e.Payload[key].(bool)
	return b
}
