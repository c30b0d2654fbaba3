package timeline

import (
	"regexp"
	"strconv"
	"strings"
)

var (
	dayPassPattern       = regexp.MustCompile(`(?i)day pass|entry pass`)
	guestPassPattern     = regexp.MustCompile(`(?i)guest pass from (.+)`)
	transferWithCount    = regexp.MustCompile(`(?i)(.+?) from ([^(]+) \((\d+) remaining\)`)
	transferWithoutCount = regexp.MustCompile(`(?i)(.+?) from (.+)`)
)

// IsDayPassCheckin は入場方法または入場説明がデイパス系であるかを返す。
func IsDayPassCheckin(entryMethod, entryDescription string) bool {
	return dayPassPattern.MatchString(entryMethod) || dayPassPattern.MatchString(entryDescription)
}

// TransferDescription は譲渡入場の説明文から取り出した情報。
type TransferDescription struct {
	PassType       string
	PurchaserName  string
	RemainingCount int // 不明な場合は-1
}

// ParseTransferPurchaser は "Guest Pass from John Smith" や
// "10 Climb Punch Pass from Jane Doe (3 remaining)" のような説明文を解析する。
// " from " を含まない、または購入者名が取れない場合はfalseを返す。
func ParseTransferPurchaser(description string) (TransferDescription, bool) {
	out := TransferDescription{RemainingCount: -1}
	if !strings.Contains(strings.ToLower(description), " from ") {
		return out, false
	}

	if m := guestPassPattern.FindStringSubmatch(description); m != nil {
		out.PassType = "Guest Pass"
		out.PurchaserName = strings.TrimSpace(m[1])
	} else if m := transferWithCount.FindStringSubmatch(description); m != nil {
		out.PassType = strings.TrimSpace(m[1])
		out.PurchaserName = strings.TrimSpace(m[2])
		out.RemainingCount, _ = strconv.Atoi(m[3])
	} else if m := transferWithoutCount.FindStringSubmatch(description); m != nil {
		out.PassType = strings.TrimSpace(m[1])
		out.PurchaserName = strings.TrimSpace(m[2])
	}

	if out.PurchaserName == "" {
		return out, false
	}
	return out, true
}
