package model

import "time"

// Group は実験グループ。
type Group string

const (
	GroupA Group = "A"
	GroupB Group = "B"
)

// Valid はA/Bのいずれかであるかを返す。
func (g Group) Valid() bool {
	return g == GroupA || g == GroupB
}

// ExperimentEntry は顧客が実験に初めて参加した記録。
// (CustomerID, ExperimentID) ごとに高々1件。
type ExperimentEntry struct {
	CustomerID   string
	PlatformID   string
	ExperimentID string
	Group        Group
	EntryFlag    string
	EntryDate    time.Time
}

// CustomerIDLastDigit は名簿上の顧客IDの末尾の数字を返す。
// 名簿上のIDがなければ正規顧客IDを使い、末尾が10進数字でなければ-1を返す。
func (e ExperimentEntry) CustomerIDLastDigit() int {
	id := e.PlatformID
	if id == "" {
		id = e.CustomerID
	}
	if id == "" {
		return -1
	}
	c := id[len(id)-1]
	if c < '0' || c > '9' {
		return -1
	}
	return int(c - '0')
}

// ExperimentStats は実験の集計値。
type ExperimentStats struct {
	ExperimentID string
	Total        int
	ByGroup      map[Group]int
	ByEntryFlag  map[string]int
}
