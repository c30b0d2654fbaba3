package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// 以下はソースシステムから取り込む生レコード。
// 任意項目は空のまま渡ってくる可能性があり、必須項目の検証はタイムライン構築時に行う。

// CustomerRecord は会員管理システムの顧客名簿の1行。
type CustomerRecord struct {
	CustomerID string
	FirstName  string
	LastName   string
	Email      string
	Phone      string
}

// DisplayName は表示名を返す。
func (r CustomerRecord) DisplayName() string {
	switch {
	case r.FirstName != "" && r.LastName != "":
		return r.FirstName + " " + r.LastName
	case r.FirstName != "":
		return r.FirstName
	default:
		return r.LastName
	}
}

// PaymentRecord は決済明細の1行。
type PaymentRecord struct {
	TransactionID   string
	CustomerID      string
	Email           string
	Name            string
	Description     string
	RevenueCategory string
	Amount          decimal.Decimal
	Date            time.Time
	Source          string
}

// CheckinRecord はチェックインの1行。顧客IDは常に会員管理システムのID。
type CheckinRecord struct {
	CheckinID        string
	CustomerID       string
	Timestamp        time.Time
	EntryMethod      string
	EntryDescription string
}

// MembershipRecord はメンバーシップの1行。
type MembershipRecord struct {
	MembershipID  string
	OwnerID       string
	Name          string
	Status        string
	StartDate     time.Time
	EndDate       time.Time
	Size          string
	Frequency     string
	BillingAmount decimal.Decimal
}

// TransferRecord はパス譲渡の1行。
type TransferRecord struct {
	TransferID     string
	PurchaserID    string
	PurchaserName  string
	UserID         string
	Timestamp      time.Time
	PassType       string
	RemainingCount int
	Description    string
}

// CampaignSendRecord はメール配信の受信者1行。
type CampaignSendRecord struct {
	CampaignID string
	Channel    string
	Email      string
	Subject    string
	Preview    string
	SentAt     time.Time
}

// StorefrontOrderRecord はオンラインストアの注文1行。
type StorefrontOrderRecord struct {
	OrderID   string
	Email     string
	Name      string
	Total     decimal.Decimal
	ItemCount int
	CreatedAt time.Time
}

// Reservation は誕生日パーティー予約。
type Reservation struct {
	PartyID   string            `json:"party_id"`
	ChildName string            `json:"child_name"`
	PartyDate string            `json:"party_date"`
	PartyTime string            `json:"party_time"`
	HostEmail string            `json:"host_email"`
	HostPhone string            `json:"host_phone"`
	Guests    []ReservationRSVP `json:"guests"`
}

// ReservationRSVP はパーティー招待への出欠回答。
type ReservationRSVP struct {
	RSVPID    string `json:"rsvp_id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Attending bool   `json:"attending"`
}

// AttendingCount は出席予定のゲスト数を返す。
func (r Reservation) AttendingCount() int {
	n := 0
	for _, g := range r.Guests {
		if g.Attending {
			n++
		}
	}
	return n
}
