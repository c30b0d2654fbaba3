// Package abtest は実験グループの決定的な割り当てを提供する。
//
// 同じ電話番号を共有する家族（親子など）が同じグループに入るよう、
// メール → 電話番号 → 顧客IDの優先順で最初に得られたシグナルをハッシュする。
// 割り当ては純粋関数で、実行をまたいでグループが入れ替わることはない。
package abtest

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/hitoshi/gymflag/internal/identity"
	"github.com/hitoshi/gymflag/internal/model"
)

// AssignGroup は優先順位付きのシグナルからグループを決める。
// 正規化した値のMD5の末尾16進1桁を10で割った余りが0〜4ならA、5〜9ならB。
func AssignGroup(customerID, email, phone string) model.Group {
	signal := strings.ToLower(strings.TrimSpace(email))
	if signal == "" {
		signal = identity.DigitsOnly(phone)
	}
	if signal == "" {
		signal = strings.TrimSpace(customerID)
	}
	return bucket(signal)
}

func bucket(signal string) model.Group {
	sum := md5.Sum([]byte(signal))
	hexDigest := hex.EncodeToString(sum[:])
	last := hexDigest[len(hexDigest)-1]

	var v int
	if last >= 'a' {
		v = int(last-'a') + 10
	} else {
		v = int(last - '0')
	}
	if v%10 < 5 {
		return model.GroupA
	}
	return model.GroupB
}

// Assigner は手動オーバーライド表を優先してグループを割り当てる。
// オーバーライドは運用上の動作確認用の小さな静的テーブルで、
// 運用者が目にする顧客名簿上のIDをキーとする。
type Assigner struct {
	overrides map[string]model.Group
}

// NewAssigner はAssignerを生成する。overridesは名簿上の顧客ID → 強制グループ。
func NewAssigner(overrides map[string]model.Group) *Assigner {
	copied := make(map[string]model.Group, len(overrides))
	for id, g := range overrides {
		copied[id] = g
	}
	return &Assigner{overrides: copied}
}

// Assign はオーバーライドがあればそれを、なければAssignGroupの結果を返す。
// メールも電話番号もない顧客は名簿上のIDでハッシュする。名簿上のIDが不明な場合のみ正規顧客IDを使う。
func (a *Assigner) Assign(customerID string, contact model.Contact) model.Group {
	rawID := identity.NormalizePlatformID(contact.PlatformID)
	if rawID == "" {
		rawID = customerID
	}
	if g, ok := a.overrides[rawID]; ok {
		return g
	}
	if g, ok := a.overrides[customerID]; ok {
		return g
	}
	return AssignGroup(rawID, contact.Email, contact.Phone)
}

// ParseOverrides は "rosterID:A,rosterID:B" 形式の文字列を解析する。
func ParseOverrides(raw string) (map[string]model.Group, error) {
	out := make(map[string]model.Group)
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return out, nil
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		id, g, ok := strings.Cut(pair, ":")
		group := model.Group(strings.ToUpper(strings.TrimSpace(g)))
		id = strings.TrimSpace(id)
		if !ok || id == "" || !group.Valid() {
			return nil, fmt.Errorf("invalid AB group override %q: expected rosterID:A or rosterID:B", pair)
		}
		out[id] = group
	}
	return out, nil
}
