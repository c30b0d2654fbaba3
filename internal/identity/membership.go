package identity

import (
	"regexp"
	"sync"
)

// membershipRefPattern は取引明細などの自由記述に埋め込まれたメンバーシップ番号を拾う。
// 例: "Membership #48213 renewal", "membership no. 48213", "Membership ID: 48213"
var membershipRefPattern = regexp.MustCompile(`(?i)membership\s*(?:#|no\.?|number|id)?\s*:?\s*#?\s*(\d{3,})`)

// ParseMembershipReference は自由記述からメンバーシップ番号を抽出する。
func ParseMembershipReference(text string) (string, bool) {
	m := membershipRefPattern.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// MembershipIndex はメンバーシップIDから所有者のプラットフォーム顧客IDへの対応表。
type MembershipIndex struct {
	mu     sync.RWMutex
	owners map[string]string
}

// NewMembershipIndex は空のMembershipIndexを生成する。
func NewMembershipIndex() *MembershipIndex {
	return &MembershipIndex{owners: make(map[string]string)}
}

// Add は対応を登録する。既存の対応は上書きしない。
func (m *MembershipIndex) Add(membershipID, ownerPlatformID string) {
	membershipID = NormalizePlatformID(membershipID)
	ownerPlatformID = NormalizePlatformID(ownerPlatformID)
	if membershipID == "" || ownerPlatformID == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.owners[membershipID]; !ok {
		m.owners[membershipID] = ownerPlatformID
	}
}

// Owner はメンバーシップIDの所有者を返す。
func (m *MembershipIndex) Owner(membershipID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	owner, ok := m.owners[NormalizePlatformID(membershipID)]
	return owner, ok
}

// Len は登録済みの件数を返す。
func (m *MembershipIndex) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.owners)
}
