package model

import "time"

// IdentifierType は識別子の種別を表す。
type IdentifierType string

const (
	IdentifierEmail      IdentifierType = "email"
	IdentifierPhone      IdentifierType = "phone"
	IdentifierPlatformID IdentifierType = "platform_id"
)

// Confidence は識別子の紐付けやイベント帰属の信頼度を表す。
type Confidence string

const (
	ConfidenceExact  Confidence = "exact"
	ConfidenceHigh   Confidence = "high"
	ConfidenceMedium Confidence = "medium"
	ConfidenceLow    Confidence = "low"
)

// Identifier はソース固有の識別子から正規顧客IDへの対応を表す。
// 一度作成されたら変更せず、追記のみ行う。
type Identifier struct {
	Source          string
	SourceID        string
	Type            IdentifierType
	NormalizedValue string
	CustomerID      string
	Confidence      Confidence
	CreatedAt       time.Time
}

// CanonicalCustomer は名寄せ後の正規顧客を表す。削除されることはない。
type CanonicalCustomer struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Contact はABバケッティングと外部参照ルールが使う連絡先情報。
// 評価中は読み取り専用として扱う。
type Contact struct {
	PlatformID string
	Email      string
	Phone      string
}

// Attribution はレコードを顧客に帰属させた方法を表す。
type Attribution string

const (
	AttributionExactID          Attribution = "exact_id"
	AttributionMembershipNumber Attribution = "membership_number"
	AttributionEmail            Attribution = "email"
	AttributionName             Attribution = "name"
	AttributionUnmatched        Attribution = "unmatched"
)

// Confidence は帰属方法に対応する信頼度を返す。
// 名前一致は同姓同名で誤帰属し得るためmediumに留める。
func (a Attribution) Confidence() Confidence {
	switch a {
	case AttributionExactID:
		return ConfidenceExact
	case AttributionMembershipNumber, AttributionEmail:
		return ConfidenceHigh
	case AttributionName:
		return ConfidenceMedium
	default:
		return ConfidenceLow
	}
}
