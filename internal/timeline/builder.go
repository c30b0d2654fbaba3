// Package timeline はソースごとの生レコードを正規イベントに変換し、
// 顧客ごとのタイムラインを構築する。
package timeline

import (
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/gymflag/internal/identity"
	"github.com/hitoshi/gymflag/internal/model"
)

// ソース名
const (
	SourcePayments   = "payments"
	SourceCheckins   = "checkins"
	SourceMembership = "memberships"
	SourceTransfers  = "transfers"
	SourceCampaigns  = "campaign_sends"
	SourceStorefront = "storefront_orders"
	SourceHistory    = "flag_history"
)

// eventNamespace はイベントIDを導出するUUIDv5の名前空間。
var eventNamespace = uuid.NewSHA1(uuid.NameSpaceOID, []byte("gymflag/event"))

// revenueCategoryEvents は決済の売上カテゴリからイベント種別への固定対応表。
// 表にないカテゴリの行はスキップする。
var revenueCategoryEvents = map[string]model.EventType{
	"Day Pass":                model.EventDayPassPurchase,
	"New Membership":          model.EventMembershipPurchase,
	"Membership Renewal":      model.EventMembershipRenewal,
	"Membership Cancellation": model.EventMembershipCancellation,
	"Retail":                  model.EventRetailPurchase,
	"Programming":             model.EventProgrammingPurchase,
	"Event Booking":           model.EventEventBooking,
}

// cancelledStatuses は解約済みとみなすメンバーシップのステータス。
var cancelledStatuses = map[string]bool{
	"CAN":       true,
	"CANCELED":  true,
	"CANCELLED": true,
	"END":       true,
	"ENDED":     true,
	"EXP":       true,
	"EXPIRED":   true,
}

// EventTypeForCategory は売上カテゴリに対応するイベント種別を返す。
func EventTypeForCategory(category string) (model.EventType, bool) {
	t, ok := revenueCategoryEvents[strings.TrimSpace(category)]
	return t, ok
}

// SourceStats は1ソース分の構築結果の集計。
type SourceStats struct {
	Source        string
	Processed     int
	Matched       int
	Unmatched     int
	Malformed     int
	Skipped       int
	Emitted       int
	ByType        map[model.EventType]int
	ByAttribution map[model.Attribution]int
}

func newStats(source string) SourceStats {
	return SourceStats{
		Source:        source,
		ByType:        make(map[model.EventType]int),
		ByAttribution: make(map[model.Attribution]int),
	}
}

// Builder はソースごとのレコードを正規イベントに変換して蓄積する。
// Add系メソッドは互いに独立して呼び出せる。不正な行はスキップして件数を数え、
// 帰属できない行は破棄して件数を数える。
type Builder struct {
	resolver  *identity.Resolver
	sanitizer *TextSanitizer
	logger    *slog.Logger

	mu     sync.Mutex
	seq    int64
	events map[string][]model.Event
	stats  []SourceStats
	keys   map[string]int
}

// NewBuilder はBuilderを生成する。
func NewBuilder(resolver *identity.Resolver, logger *slog.Logger) *Builder {
	return &Builder{
		resolver:  resolver,
		sanitizer: NewTextSanitizer(),
		logger:    logger,
		events:    make(map[string][]model.Event),
		keys:      make(map[string]int),
	}
}

// emitLocked はイベントに挿入順のSeqとIDを付けて蓄積する。
// 決済の明細行のように同じrecordIDが同一ソース内で繰り返される場合は、
// 出現順の番号をキーに加えてIDを一意にする。入力順が同じなら実行をまたいで同じIDになる。
func (b *Builder) emitLocked(st *SourceStats, ev model.Event, recordID string) {
	b.seq++
	ev.Seq = b.seq
	ev.Timestamp = ev.Timestamp.UTC()
	if recordID == "" {
		recordID = strconv.FormatInt(ev.Seq, 10)
	}
	key := ev.Source + "|" + recordID + "|" + string(ev.Type) + "|" + ev.CustomerID
	n := b.keys[key]
	b.keys[key] = n + 1
	if n > 0 {
		key += "#" + strconv.Itoa(n+1)
	}
	ev.ID = uuid.NewSHA1(eventNamespace, []byte(key)).String()
	b.events[ev.CustomerID] = append(b.events[ev.CustomerID], ev)
	st.Emitted++
	st.ByType[ev.Type]++
	st.ByAttribution[ev.Attribution]++
}

func (b *Builder) finish(st SourceStats, start time.Time) SourceStats {
	b.stats = append(b.stats, st)
	b.logger.Info("イベント構築が完了しました",
		slog.String("source", st.Source),
		slog.Int("processed", st.Processed),
		slog.Int("matched", st.Matched),
		slog.Int("unmatched", st.Unmatched),
		slog.Int("malformed", st.Malformed),
		slog.Int("skipped", st.Skipped),
		slog.Int("emitted", st.Emitted),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return st
}

// AddPayments は決済明細を購入系イベントに変換する。
func (b *Builder) AddPayments(records []model.PaymentRecord) SourceStats {
	start := time.Now()
	st := newStats(SourcePayments)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		st.Processed++
		if rec.Date.IsZero() {
			st.Malformed++
			continue
		}
		eventType, ok := EventTypeForCategory(rec.RevenueCategory)
		if !ok {
			st.Skipped++
			continue
		}

		res, ok := b.resolver.Attribute(identity.Candidate{
			PlatformID:  rec.CustomerID,
			Description: rec.Description,
			Email:       rec.Email,
			Name:        rec.Name,
		})
		if !ok {
			st.Unmatched++
			continue
		}
		st.Matched++

		source := rec.Source
		if source == "" {
			source = SourcePayments
		}
		b.emitLocked(&st, model.Event{
			CustomerID:  res.CustomerID,
			Timestamp:   rec.Date,
			Type:        eventType,
			Source:      strings.ToLower(source),
			Attribution: res.Attribution,
			Confidence:  res.Confidence,
			Payload: map[string]any{
				"transaction_id": rec.TransactionID,
				"amount":         rec.Amount.StringFixed(2),
				"description":    rec.Description,
				"category":       strings.TrimSpace(rec.RevenueCategory),
				"customer_name":  rec.Name,
			},
		}, rec.TransactionID)
	}

	return b.finish(st, start)
}

// AddCheckins はチェックインを変換する。チェックインは常にプラットフォーム顧客IDで帰属する。
func (b *Builder) AddCheckins(records []model.CheckinRecord) SourceStats {
	start := time.Now()
	st := newStats(SourceCheckins)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		st.Processed++
		if rec.Timestamp.IsZero() || strings.TrimSpace(rec.CustomerID) == "" {
			st.Malformed++
			continue
		}

		res, ok := b.resolver.Attribute(identity.Candidate{PlatformID: rec.CustomerID})
		if !ok {
			st.Unmatched++
			continue
		}
		st.Matched++

		b.emitLocked(&st, model.Event{
			CustomerID:  res.CustomerID,
			Timestamp:   rec.Timestamp,
			Type:        model.EventCheckin,
			Source:      SourceCheckins,
			Attribution: res.Attribution,
			Confidence:  res.Confidence,
			Payload: map[string]any{
				"checkin_id":        rec.CheckinID,
				"entry_method":      rec.EntryMethod,
				"entry_description": rec.EntryDescription,
				"is_day_pass":       IsDayPassCheckin(rec.EntryMethod, rec.EntryDescription),
			},
		}, rec.CheckinID)
	}

	return b.finish(st, start)
}

// AddMemberships はメンバーシップ1行につき1件のmembership_startedイベントを生成する。
// 後続のルールが再取得せずに済むよう、メンバーシップの詳細をペイロードに持たせる。
// 解約済みの行は終了日にmembership_cancellationイベントも生成する。
// 同時にメンバーシップ番号 → 所有者の索引を更新する。
func (b *Builder) AddMemberships(records []model.MembershipRecord) SourceStats {
	start := time.Now()
	st := newStats(SourceMembership)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		if rec.MembershipID != "" && rec.OwnerID != "" {
			b.resolver.Memberships().Add(rec.MembershipID, rec.OwnerID)
		}
	}

	for _, rec := range records {
		st.Processed++
		if rec.StartDate.IsZero() || strings.TrimSpace(rec.OwnerID) == "" {
			st.Malformed++
			continue
		}

		res, ok := b.resolver.Attribute(identity.Candidate{PlatformID: rec.OwnerID})
		if !ok {
			st.Unmatched++
			continue
		}
		st.Matched++

		payload := map[string]any{
			"membership_id":  rec.MembershipID,
			"name":           rec.Name,
			"status":         rec.Status,
			"start_date":     rec.StartDate.UTC().Format(model.DateLayout),
			"size":           rec.Size,
			"frequency":      rec.Frequency,
			"billing_amount": rec.BillingAmount.StringFixed(2),
		}
		if !rec.EndDate.IsZero() {
			payload["end_date"] = rec.EndDate.UTC().Format(model.DateLayout)
		}

		b.emitLocked(&st, model.Event{
			CustomerID:  res.CustomerID,
			Timestamp:   rec.StartDate,
			Type:        model.EventMembershipStarted,
			Source:      SourceMembership,
			Attribution: res.Attribution,
			Confidence:  res.Confidence,
			Payload:     payload,
		}, rec.MembershipID)

		if cancelledStatuses[strings.ToUpper(strings.TrimSpace(rec.Status))] && !rec.EndDate.IsZero() {
			b.emitLocked(&st, model.Event{
				CustomerID:  res.CustomerID,
				Timestamp:   rec.EndDate,
				Type:        model.EventMembershipCancellation,
				Source:      SourceMembership,
				Attribution: res.Attribution,
				Confidence:  res.Confidence,
				Payload: map[string]any{
					"membership_id": rec.MembershipID,
					"name":          rec.Name,
					"status":        rec.Status,
				},
			}, rec.MembershipID)
		}
	}

	return b.finish(st, start)
}

// AddTransfers はパス譲渡1行から、購入者のshared_passと利用者のreceived_shared_passの
// 2件を生成する。購入者と利用者が同一（自己利用）の行は破棄する。
// 購入者を特定できない場合は利用者側のイベントのみ生成し、購入者側を帰属不可として数える。
func (b *Builder) AddTransfers(records []model.TransferRecord) SourceStats {
	start := time.Now()
	st := newStats(SourceTransfers)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		st.Processed++
		if rec.Timestamp.IsZero() || strings.TrimSpace(rec.UserID) == "" {
			st.Malformed++
			continue
		}

		purchaserName := rec.PurchaserName
		passType := rec.PassType
		remaining := rec.RemainingCount
		if rec.PurchaserID == "" && purchaserName == "" {
			parsed, ok := ParseTransferPurchaser(rec.Description)
			if !ok {
				st.Malformed++
				continue
			}
			purchaserName = parsed.PurchaserName
			if passType == "" {
				passType = parsed.PassType
			}
			if remaining == 0 {
				remaining = parsed.RemainingCount
			}
		}

		if rec.PurchaserID != "" && identity.NormalizePlatformID(rec.PurchaserID) == identity.NormalizePlatformID(rec.UserID) {
			st.Skipped++
			continue
		}

		user, ok := b.resolver.Attribute(identity.Candidate{PlatformID: rec.UserID})
		if !ok {
			st.Unmatched++
			continue
		}
		purchaser, purchaserOK := b.resolver.Attribute(identity.Candidate{
			PlatformID: rec.PurchaserID,
			Name:       purchaserName,
		})
		if purchaserOK && purchaser.CustomerID == user.CustomerID {
			st.Skipped++
			continue
		}
		st.Matched++

		details := map[string]any{
			"transfer_id":     rec.TransferID,
			"pass_type":       passType,
			"purchaser_name":  purchaserName,
			"remaining_count": remaining,
		}

		if purchaserOK {
			payload := copyPayload(details)
			payload["recipient_customer_id"] = user.CustomerID
			b.emitLocked(&st, model.Event{
				CustomerID:  purchaser.CustomerID,
				Timestamp:   rec.Timestamp,
				Type:        model.EventSharedPass,
				Source:      SourceTransfers,
				Attribution: purchaser.Attribution,
				Confidence:  purchaser.Confidence,
				Payload:     payload,
			}, rec.TransferID)
		} else {
			st.Unmatched++
		}

		payload := copyPayload(details)
		if purchaserOK {
			payload["purchaser_customer_id"] = purchaser.CustomerID
		}
		b.emitLocked(&st, model.Event{
			CustomerID:  user.CustomerID,
			Timestamp:   rec.Timestamp,
			Type:        model.EventReceivedSharedPass,
			Source:      SourceTransfers,
			Attribution: user.Attribution,
			Confidence:  user.Confidence,
			Payload:     payload,
		}, rec.TransferID)
	}

	return b.finish(st, start)
}

// AddCampaignSends はメール配信の受信者行をemail_sentイベントに変換する。
// 件名とプレビュー文はプレーンテキスト化して保持する。
func (b *Builder) AddCampaignSends(records []model.CampaignSendRecord) SourceStats {
	start := time.Now()
	st := newStats(SourceCampaigns)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		st.Processed++
		if rec.SentAt.IsZero() || strings.TrimSpace(rec.Email) == "" {
			st.Malformed++
			continue
		}

		res, ok := b.resolver.Attribute(identity.Candidate{Email: rec.Email})
		if !ok {
			st.Unmatched++
			continue
		}
		st.Matched++

		b.emitLocked(&st, model.Event{
			CustomerID:  res.CustomerID,
			Timestamp:   rec.SentAt,
			Type:        model.EventEmailSent,
			Source:      SourceCampaigns,
			Attribution: res.Attribution,
			Confidence:  res.Confidence,
			Payload: map[string]any{
				"campaign_id": rec.CampaignID,
				"channel":     rec.Channel,
				"subject":     b.sanitizer.PlainText(rec.Subject),
				"preview":     b.sanitizer.PlainText(rec.Preview),
			},
		}, rec.CampaignID+"|"+identity.NormalizeEmail(rec.Email))
	}

	return b.finish(st, start)
}

// AddStorefrontOrders はオンラインストアの注文をstorefront_purchaseイベントに変換する。
func (b *Builder) AddStorefrontOrders(records []model.StorefrontOrderRecord) SourceStats {
	start := time.Now()
	st := newStats(SourceStorefront)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, rec := range records {
		st.Processed++
		if rec.CreatedAt.IsZero() || (strings.TrimSpace(rec.Email) == "" && strings.TrimSpace(rec.Name) == "") {
			st.Malformed++
			continue
		}

		res, ok := b.resolver.Attribute(identity.Candidate{Email: rec.Email, Name: rec.Name})
		if !ok {
			st.Unmatched++
			continue
		}
		st.Matched++

		b.emitLocked(&st, model.Event{
			CustomerID:  res.CustomerID,
			Timestamp:   rec.CreatedAt,
			Type:        model.EventStorefrontPurchase,
			Source:      SourceStorefront,
			Attribution: res.Attribution,
			Confidence:  res.Confidence,
			Payload: map[string]any{
				"order_id":   rec.OrderID,
				"total":      rec.Total.StringFixed(2),
				"item_count": rec.ItemCount,
			},
		}, rec.OrderID)
	}

	return b.finish(st, start)
}

// MergeHistory は過去の実行で記録されたflag_setイベントをタイムラインに合流させる。
// クールダウンやファネルの2段目が前回までのフラグを参照できるようにする。
func (b *Builder) MergeHistory(events []model.Event) SourceStats {
	start := time.Now()
	st := newStats(SourceHistory)

	b.mu.Lock()
	defer b.mu.Unlock()

	for _, ev := range events {
		st.Processed++
		if ev.CustomerID == "" || ev.Timestamp.IsZero() {
			st.Malformed++
			continue
		}
		st.Matched++
		id := ev.ID
		b.emitLocked(&st, ev, "")
		if id != "" {
			list := b.events[ev.CustomerID]
			list[len(list)-1].ID = id
		}
	}

	return b.finish(st, start)
}

// Timelines は顧客ごとにタイムスタンプ順（同時刻は挿入順）に並べたイベント列を返す。
// 戻り値はBuilder内部と共有しないコピー。
func (b *Builder) Timelines() map[string][]model.Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make(map[string][]model.Event, len(b.events))
	for id, evs := range b.events {
		copied := make([]model.Event, len(evs))
		copy(copied, evs)
		model.SortEvents(copied)
		out[id] = copied
	}
	return out
}

// Events は全イベントを顧客ID、タイムスタンプ、挿入順で並べて返す。
func (b *Builder) Events() []model.Event {
	timelines := b.Timelines()
	ids := make([]string, 0, len(timelines))
	for id := range timelines {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []model.Event
	for _, id := range ids {
		out = append(out, timelines[id]...)
	}
	return out
}

// Stats はこれまでに処理したソースごとの集計を処理順に返す。
func (b *Builder) Stats() []SourceStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]SourceStats, len(b.stats))
	copy(out, b.stats)
	return out
}

func copyPayload(in map[string]any) map[string]any {
	out := make(map[string]any, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	return out
}
