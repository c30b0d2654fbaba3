// Package source はバッチ入力ディレクトリのCSVファイルを読み込み、
// ソースごとの生レコードに変換する。
//
// 列は見出し名で対応付けるため、列の順序や余分な列は問わない。
// 値を解釈できないフィールドはゼロ値のまま残し、件数を数える。
// 日時がゼロ値の行はイベント構築時に不正な行として数えられる。
package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hitoshi/gymflag/internal/model"
)

// 入力ファイル名
const (
	FileCustomers        = "customers.csv"
	FilePayments         = "payments.csv"
	FileCheckins         = "checkins.csv"
	FileMemberships      = "memberships.csv"
	FileTransfers        = "pass_transfers.csv"
	FileCampaignSends    = "campaign_sends.csv"
	FileStorefrontOrders = "storefront_orders.csv"
	FileParties          = "parties.csv"
	FileRSVPs            = "rsvps.csv"
)

// timeLayouts は日時フィールドとして受け付ける書式。先頭から順に試す。
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"01/02/2006 15:04:05",
	"1/2/2006 15:04",
	"01/02/2006",
	"1/2/2006",
}

// FileReport は1ファイル分の読み込み結果。
type FileReport struct {
	File        string
	Missing     bool
	Rows        int
	FieldErrors int
}

// Batch は1回のバッチで読み込んだ全ソースのレコード。
type Batch struct {
	Customers        []model.CustomerRecord
	Payments         []model.PaymentRecord
	Checkins         []model.CheckinRecord
	Memberships      []model.MembershipRecord
	Transfers        []model.TransferRecord
	CampaignSends    []model.CampaignSendRecord
	StorefrontOrders []model.StorefrontOrderRecord

	// Reservations は予約ファイルから読み込んだパーティー予約。
	// HasReservationsがfalseの場合、予約ファイルは存在しなかった。
	Reservations    []model.Reservation
	HasReservations bool

	Reports []FileReport
}

// Report はファイル名に対応する読み込み結果を返す。
func (b *Batch) Report(file string) (FileReport, bool) {
	for _, r := range b.Reports {
		if r.File == file {
			return r, true
		}
	}
	return FileReport{}, false
}

// Loader はディレクトリからバッチ入力を読み込む。
type Loader struct {
	dir    string
	logger *slog.Logger
}

// NewLoader はLoaderを生成する。
func NewLoader(dir string, logger *slog.Logger) *Loader {
	return &Loader{dir: dir, logger: logger}
}

// Dir は入力ディレクトリを返す。
func (l *Loader) Dir() string {
	return l.dir
}

// Load は全入力ファイルを読み込む。存在しないファイルは空として扱う。
// 読み込み自体に失敗した場合（CSVとして解釈できない等）はエラーを返す。
func (l *Loader) Load(ctx context.Context) (*Batch, error) {
	start := time.Now()

	info, err := os.Stat(l.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to stat input dir %s: %w", l.dir, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input path is not a directory: %s", l.dir)
	}

	b := &Batch{}
	steps := []struct {
		file  string
		apply func(t *table) int
	}{
		{FileCustomers, func(t *table) int { return b.readCustomers(t) }},
		{FilePayments, func(t *table) int { return b.readPayments(t) }},
		{FileCheckins, func(t *table) int { return b.readCheckins(t) }},
		{FileMemberships, func(t *table) int { return b.readMemberships(t) }},
		{FileTransfers, func(t *table) int { return b.readTransfers(t) }},
		{FileCampaignSends, func(t *table) int { return b.readCampaignSends(t) }},
		{FileStorefrontOrders, func(t *table) int { return b.readStorefrontOrders(t) }},
	}

	for _, s := range steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := l.loadFile(b, s.file, s.apply); err != nil {
			return nil, err
		}
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := l.loadReservations(b); err != nil {
		return nil, err
	}

	l.logger.Info("入力ファイルの読み込みが完了しました",
		slog.String("dir", l.dir),
		slog.Int("customers", len(b.Customers)),
		slog.Int("payments", len(b.Payments)),
		slog.Int("checkins", len(b.Checkins)),
		slog.Int("memberships", len(b.Memberships)),
		slog.Int("transfers", len(b.Transfers)),
		slog.Int("campaign_sends", len(b.CampaignSends)),
		slog.Int("storefront_orders", len(b.StorefrontOrders)),
		slog.Int("reservations", len(b.Reservations)),
		slog.Float64("duration_ms", float64(time.Since(start).Milliseconds())),
	)
	return b, nil
}

func (l *Loader) loadFile(b *Batch, file string, apply func(t *table) int) error {
	t, err := readTable(filepath.Join(l.dir, file))
	if errors.Is(err, fs.ErrNotExist) {
		b.Reports = append(b.Reports, FileReport{File: file, Missing: true})
		l.logger.Info("入力ファイルが存在しないため空として扱います", slog.String("file", file))
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", file, err)
	}

	fieldErrors := apply(t)
	b.Reports = append(b.Reports, FileReport{File: file, Rows: len(t.rows), FieldErrors: fieldErrors})
	if fieldErrors > 0 {
		l.logger.Warn("解釈できないフィールドがありました",
			slog.String("file", file),
			slog.Int("rows", len(t.rows)),
			slog.Int("field_errors", fieldErrors),
		)
	}
	return nil
}

// loadReservations はパーティーと出欠回答の2ファイルを結合する。
// パーティーファイルがない場合、出欠回答ファイルは読まない。
func (l *Loader) loadReservations(b *Batch) error {
	parties, err := readTable(filepath.Join(l.dir, FileParties))
	if errors.Is(err, fs.ErrNotExist) {
		b.Reports = append(b.Reports, FileReport{File: FileParties, Missing: true})
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", FileParties, err)
	}

	var rsvps *table
	rsvps, err = readTable(filepath.Join(l.dir, FileRSVPs))
	switch {
	case errors.Is(err, fs.ErrNotExist):
		b.Reports = append(b.Reports, FileReport{File: FileRSVPs, Missing: true})
		rsvps = &table{columns: map[string]int{}}
	case err != nil:
		return fmt.Errorf("failed to read %s: %w", FileRSVPs, err)
	}

	fieldErrors := b.readReservations(parties, rsvps)
	b.HasReservations = true
	b.Reports = append(b.Reports, FileReport{File: FileParties, Rows: len(parties.rows), FieldErrors: fieldErrors})
	if len(rsvps.rows) > 0 {
		b.Reports = append(b.Reports, FileReport{File: FileRSVPs, Rows: len(rsvps.rows)})
	}
	return nil
}

// table は見出し付きCSVの内容。
type table struct {
	columns map[string]int
	rows    [][]string
}

func readTable(path string) (*table, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return &table{columns: map[string]int{}}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	t := &table{columns: make(map[string]int, len(header))}
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, "\ufeff")
		}
		key := columnKey(h)
		if _, dup := t.columns[key]; !dup {
			t.columns[key] = i
		}
	}

	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		if isBlank(rec) {
			continue
		}
		t.rows = append(t.rows, rec)
	}
	return t, nil
}

// columnKey は見出しを小文字・アンダースコア区切りに揃える。
func columnKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.Join(strings.Fields(h), "_")
}

func isBlank(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// row は1行分の値へのアクセサ。解釈に失敗したフィールドの数を数える。
type row struct {
	t      *table
	values []string
	errs   int
}

// str は候補の見出しのうち最初に存在する列の値を返す。
func (r *row) str(names ...string) string {
	for _, n := range names {
		i, ok := r.t.columns[n]
		if !ok {
			continue
		}
		if i < len(r.values) {
			return strings.TrimSpace(r.values[i])
		}
		return ""
	}
	return ""
}

func (r *row) timestamp(names ...string) time.Time {
	v := r.str(names...)
	if v == "" {
		return time.Time{}
	}
	t, ok := parseTime(v)
	if !ok {
		r.errs++
	}
	return t
}

func (r *row) amount(names ...string) decimal.Decimal {
	v := r.str(names...)
	if v == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(strings.NewReplacer("$", "", ",", "").Replace(v))
	if err != nil {
		r.errs++
		return decimal.Zero
	}
	return d
}

func (r *row) number(names ...string) int {
	v := r.str(names...)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		r.errs++
		return 0
	}
	return n
}

func (r *row) yes(names ...string) bool {
	switch strings.ToLower(r.str(names...)) {
	case "yes", "y", "true", "1", "attending":
		return true
	default:
		return false
	}
}

// date は日付列を YYYY-MM-DD に揃える。解釈できない場合は元の値を返す。
func (r *row) date(names ...string) string {
	v := r.str(names...)
	if v == "" {
		return ""
	}
	t, ok := parseTime(v)
	if !ok {
		r.errs++
		return v
	}
	return t.Format(model.DateLayout)
}

// parseTime はタイムゾーンのない値をUTCとして解釈する。
func parseTime(v string) (time.Time, bool) {
	for _, layout := range timeLayouts {
		if t, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func (t *table) each(fn func(r *row)) int {
	errs := 0
	for _, values := range t.rows {
		r := &row{t: t, values: values}
		fn(r)
		errs += r.errs
	}
	return errs
}

func (b *Batch) readCustomers(t *table) int {
	return t.each(func(r *row) {
		b.Customers = append(b.Customers, model.CustomerRecord{
			CustomerID: r.str("customer_id", "id"),
			FirstName:  r.str("first_name"),
			LastName:   r.str("last_name"),
			Email:      r.str("email", "email_address"),
			Phone:      r.str("phone", "phone_number"),
		})
	})
}

func (b *Batch) readPayments(t *table) int {
	return t.each(func(r *row) {
		b.Payments = append(b.Payments, model.PaymentRecord{
			TransactionID:   r.str("transaction_id"),
			CustomerID:      r.str("customer_id"),
			Email:           r.str("email", "customer_email"),
			Name:            r.str("name", "customer_name"),
			Description:     r.str("description"),
			RevenueCategory: r.str("revenue_category"),
			Amount:          r.amount("amount", "total_amount"),
			Date:            r.timestamp("date", "transaction_date"),
			Source:          r.str("source", "data_source"),
		})
	})
}

func (b *Batch) readCheckins(t *table) int {
	return t.each(func(r *row) {
		b.Checkins = append(b.Checkins, model.CheckinRecord{
			CheckinID:        r.str("checkin_id", "id"),
			CustomerID:       r.str("customer_id"),
			Timestamp:        r.timestamp("checkin_datetime", "timestamp"),
			EntryMethod:      r.str("entry_method"),
			EntryDescription: r.str("entry_method_description", "entry_description"),
		})
	})
}

func (b *Batch) readMemberships(t *table) int {
	return t.each(func(r *row) {
		b.Memberships = append(b.Memberships, model.MembershipRecord{
			MembershipID:  r.str("membership_id"),
			OwnerID:       r.str("owner_id", "customer_id"),
			Name:          r.str("name", "membership_name"),
			Status:        r.str("status"),
			StartDate:     r.timestamp("start_date"),
			EndDate:       r.timestamp("end_date"),
			Size:          r.str("size"),
			Frequency:     r.str("frequency"),
			BillingAmount: r.amount("billing_amount"),
		})
	})
}

func (b *Batch) readTransfers(t *table) int {
	return t.each(func(r *row) {
		b.Transfers = append(b.Transfers, model.TransferRecord{
			TransferID:     r.str("transfer_id", "checkin_id"),
			PurchaserID:    r.str("purchaser_customer_id", "purchaser_id"),
			PurchaserName:  r.str("purchaser_name"),
			UserID:         r.str("user_customer_id", "user_id"),
			Timestamp:      r.timestamp("checkin_datetime", "timestamp"),
			PassType:       r.str("pass_type"),
			RemainingCount: r.number("remaining_count"),
			Description:    r.str("description", "entry_method_description"),
		})
	})
}

func (b *Batch) readCampaignSends(t *table) int {
	return t.each(func(r *row) {
		b.CampaignSends = append(b.CampaignSends, model.CampaignSendRecord{
			CampaignID: r.str("campaign_id"),
			Channel:    r.str("channel"),
			Email:      r.str("email", "email_address"),
			Subject:    r.str("subject", "subject_line"),
			Preview:    r.str("preview", "preview_text"),
			SentAt:     r.timestamp("sent_at", "timestamp"),
		})
	})
}

func (b *Batch) readStorefrontOrders(t *table) int {
	return t.each(func(r *row) {
		b.StorefrontOrders = append(b.StorefrontOrders, model.StorefrontOrderRecord{
			OrderID:   r.str("order_id", "id"),
			Email:     r.str("email"),
			Name:      r.str("name", "customer_name"),
			Total:     r.amount("total", "total_price"),
			ItemCount: r.number("item_count"),
			CreatedAt: r.timestamp("created_at"),
		})
	})
}

func (b *Batch) readReservations(parties, rsvps *table) int {
	guests := make(map[string][]model.ReservationRSVP)
	rsvps.each(func(r *row) {
		partyID := r.str("party_id")
		guests[partyID] = append(guests[partyID], model.ReservationRSVP{
			RSVPID:    r.str("rsvp_id"),
			Name:      r.str("guest_name", "name"),
			Email:     r.str("email"),
			Phone:     r.str("phone"),
			Attending: r.yes("attending"),
		})
	})

	return parties.each(func(r *row) {
		partyID := r.str("party_id")
		b.Reservations = append(b.Reservations, model.Reservation{
			PartyID:   partyID,
			ChildName: r.str("child_name"),
			PartyDate: r.date("party_date"),
			PartyTime: r.str("party_time"),
			HostEmail: r.str("host_email"),
			HostPhone: r.str("host_phone"),
			Guests:    guests[partyID],
		})
	})
}
