package identity

import "github.com/hitoshi/gymflag/internal/model"

// Candidate はソースの1行から取り出した帰属候補の識別子群。
// 空のフィールドは無視される。
type Candidate struct {
	PlatformID   string
	MembershipID string
	Description  string
	Email        string
	Name         string
}

// Resolution は1行を顧客に帰属させた結果。
type Resolution struct {
	CustomerID  string
	Attribution model.Attribution
	Confidence  model.Confidence
}

// Resolver は信頼度の高い順に帰属を試みる。
//  1. プラットフォーム顧客IDの完全一致
//  2. 自由記述中のメンバーシップ番号 → 所有者
//  3. 正規化メールアドレス
//  4. 正規化表示名（medium）
//
// どれにも一致しなければ帰属不可とし、新たな正規顧客は作らない。
type Resolver struct {
	store       *Store
	memberships *MembershipIndex
}

// NewResolver はResolverを生成する。membershipsがnilの場合は空の索引を使う。
func NewResolver(store *Store, memberships *MembershipIndex) *Resolver {
	if memberships == nil {
		memberships = NewMembershipIndex()
	}
	return &Resolver{store: store, memberships: memberships}
}

// Store は参照している識別子ストアを返す。
func (r *Resolver) Store() *Store {
	return r.store
}

// Memberships は参照しているメンバーシップ索引を返す。
func (r *Resolver) Memberships() *MembershipIndex {
	return r.memberships
}

// Attribute は候補を顧客に帰属させる。帰属できない場合はfalseを返す。
func (r *Resolver) Attribute(c Candidate) (Resolution, bool) {
	if c.PlatformID != "" {
		if m, ok := r.store.Resolve(c.PlatformID, model.IdentifierPlatformID); ok {
			return resolution(m.CustomerID, model.AttributionExactID), true
		}
	}

	membershipID := c.MembershipID
	if membershipID == "" && c.Description != "" {
		membershipID, _ = ParseMembershipReference(c.Description)
	}
	if membershipID != "" {
		if owner, ok := r.memberships.Owner(membershipID); ok {
			if m, ok := r.store.Resolve(owner, model.IdentifierPlatformID); ok {
				return resolution(m.CustomerID, model.AttributionMembershipNumber), true
			}
		}
	}

	if c.Email != "" {
		if m, ok := r.store.Resolve(c.Email, model.IdentifierEmail); ok {
			return resolution(m.CustomerID, model.AttributionEmail), true
		}
	}

	if c.Name != "" {
		if m, ok := r.store.ResolveName(c.Name); ok {
			return resolution(m.CustomerID, model.AttributionName), true
		}
	}

	return Resolution{Attribution: model.AttributionUnmatched, Confidence: model.AttributionUnmatched.Confidence()}, false
}

func resolution(customerID string, a model.Attribution) Resolution {
	return Resolution{CustomerID: customerID, Attribution: a, Confidence: a.Confidence()}
}
