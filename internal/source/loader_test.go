package source

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
}

func TestLoad_AllSources(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileCustomers, "\ufeffcustomer_id,first_name,last_name,email,phone\n"+
		"1001,Ada,Lovelace,ADA@example.com,(512) 555-0101\n"+
		"\n"+
		"1002,Grace,Hopper,grace@example.com,\n")
	writeFile(t, dir, FilePayments, "Date,Description,revenue_category,Total Amount,Data Source,customer_id\n"+
		"2026-03-01,Day Pass - Ada,Day Pass,\"$1,025.50\",Square,1001\n")
	writeFile(t, dir, FileCheckins, "checkin_id,customer_id,checkin_datetime,entry_method,entry_method_description\n"+
		"c1,1001,2026-03-02T10:15:00Z,ENT,Day Pass\n")
	writeFile(t, dir, FileMemberships, "membership_id,owner_id,name,status,start_date,end_date,size,frequency,billing_amount\n"+
		"m1,1002,Solo Monthly,ACT,2025-12-01,,Solo,Monthly,79.00\n")
	writeFile(t, dir, FileTransfers, "transfer_id,purchaser_customer_id,purchaser_name,user_customer_id,checkin_datetime,pass_type,remaining_count,description\n"+
		"t1,,,1002,2026-03-03 18:00:00,,,Guest Pass from Ada Lovelace\n")
	writeFile(t, dir, FileCampaignSends, "campaign_id,channel,email_address,subject_line,preview_text,sent_at\n"+
		"cmp1,email,ada@example.com,<b>Spring</b> deals,Come climb,2026-03-04 09:00\n")
	writeFile(t, dir, FileStorefrontOrders, "order_id,email,customer_name,total_price,item_count,created_at\n"+
		"o1,grace@example.com,Grace Hopper,42.10,2,03/05/2026\n")

	var buf bytes.Buffer
	b, err := NewLoader(dir, newTestLogger(&buf)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(b.Customers) != 2 {
		t.Fatalf("customers = %d, want 2 (空行は読み飛ばす)", len(b.Customers))
	}
	if b.Customers[0].CustomerID != "1001" || b.Customers[0].Phone != "(512) 555-0101" {
		t.Errorf("customer[0] = %+v", b.Customers[0])
	}

	p := b.Payments[0]
	if p.Amount.StringFixed(2) != "1025.50" {
		t.Errorf("amount = %s, want 1025.50", p.Amount.StringFixed(2))
	}
	if p.Source != "Square" || p.RevenueCategory != "Day Pass" {
		t.Errorf("payment = %+v", p)
	}
	if !p.Date.Equal(time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("date = %v", p.Date)
	}

	if !b.Checkins[0].Timestamp.Equal(time.Date(2026, 3, 2, 10, 15, 0, 0, time.UTC)) {
		t.Errorf("checkin timestamp = %v", b.Checkins[0].Timestamp)
	}
	if b.Checkins[0].EntryDescription != "Day Pass" {
		t.Errorf("entry description = %q", b.Checkins[0].EntryDescription)
	}

	m := b.Memberships[0]
	if !m.EndDate.IsZero() || m.BillingAmount.StringFixed(2) != "79.00" {
		t.Errorf("membership = %+v", m)
	}

	tr := b.Transfers[0]
	if tr.Description != "Guest Pass from Ada Lovelace" || tr.RemainingCount != 0 || tr.UserID != "1002" {
		t.Errorf("transfer = %+v", tr)
	}

	c := b.CampaignSends[0]
	if c.Email != "ada@example.com" || c.Subject != "<b>Spring</b> deals" {
		t.Errorf("campaign send = %+v", c)
	}

	o := b.StorefrontOrders[0]
	if o.ItemCount != 2 || !o.CreatedAt.Equal(time.Date(2026, 3, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("order = %+v", o)
	}

	if b.HasReservations {
		t.Error("予約ファイルがない場合はHasReservationsがfalseであるべき")
	}
	if r, ok := b.Report(FileParties); !ok || !r.Missing {
		t.Errorf("parties report = %+v", r)
	}
	if !strings.Contains(buf.String(), "入力ファイルの読み込みが完了しました") {
		t.Error("完了ログが出力されるべき")
	}
}

func TestLoad_MissingFilesAreEmpty(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileCustomers, "customer_id,email\n1001,a@b.com\n")

	var buf bytes.Buffer
	b, err := NewLoader(dir, newTestLogger(&buf)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if len(b.Payments) != 0 || len(b.Checkins) != 0 {
		t.Errorf("missing files should produce no records")
	}
	r, ok := b.Report(FilePayments)
	if !ok || !r.Missing {
		t.Errorf("payments report = %+v", r)
	}
	if !strings.Contains(buf.String(), "入力ファイルが存在しないため空として扱います") {
		t.Error("欠落ファイルのログが出力されるべき")
	}
}

func TestLoad_UnparseableFieldsAreCounted(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileCheckins, "checkin_id,customer_id,checkin_datetime\n"+
		"c1,1001,yesterday\n"+
		"c2,1001,2026-03-02 10:00:00\n")
	writeFile(t, dir, FileStorefrontOrders, "order_id,email,total,item_count,created_at\n"+
		"o1,a@b.com,abc,two,2026-03-01\n")

	var buf bytes.Buffer
	b, err := NewLoader(dir, newTestLogger(&buf)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if len(b.Checkins) != 2 {
		t.Fatalf("checkins = %d, want 2", len(b.Checkins))
	}
	if !b.Checkins[0].Timestamp.IsZero() {
		t.Error("解釈できない日時はゼロ値のまま残すべき")
	}
	r, _ := b.Report(FileCheckins)
	if r.Rows != 2 || r.FieldErrors != 1 {
		t.Errorf("checkins report = %+v", r)
	}

	r, _ = b.Report(FileStorefrontOrders)
	if r.FieldErrors != 2 {
		t.Errorf("storefront field errors = %d, want 2", r.FieldErrors)
	}
	if !b.StorefrontOrders[0].Total.IsZero() {
		t.Errorf("total = %s, want 0", b.StorefrontOrders[0].Total)
	}
	if !strings.Contains(buf.String(), "解釈できないフィールドがありました") {
		t.Error("フィールドエラーの警告ログが出力されるべき")
	}
}

func TestLoad_Reservations(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileParties, "party_id,child_name,party_date,party_time,host_email,host_phone\n"+
		"p1,Sam,2026-03-16,14:00,host@example.com,5125550100\n"+
		"p2,Kim,03/17/2026,10:00,other@example.com,\n")
	writeFile(t, dir, FileRSVPs, "rsvp_id,party_id,guest_name,email,phone,attending\n"+
		"r1,p1,Lee,lee@example.com,,yes\n"+
		"r2,p1,Max,max@example.com,,no\n"+
		"r3,p2,Ann,ann@example.com,,Yes\n")

	var buf bytes.Buffer
	b, err := NewLoader(dir, newTestLogger(&buf)).Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !b.HasReservations {
		t.Fatal("HasReservations should be true")
	}
	if len(b.Reservations) != 2 {
		t.Fatalf("reservations = %d, want 2", len(b.Reservations))
	}

	p1 := b.Reservations[0]
	if p1.PartyDate != "2026-03-16" || len(p1.Guests) != 2 {
		t.Errorf("p1 = %+v", p1)
	}
	if p1.AttendingCount() != 1 {
		t.Errorf("p1 attending = %d, want 1", p1.AttendingCount())
	}
	if b.Reservations[1].PartyDate != "2026-03-17" {
		t.Errorf("日付はYYYY-MM-DDに揃えるべき: %q", b.Reservations[1].PartyDate)
	}
	if !b.Reservations[1].Guests[0].Attending {
		t.Error("大文字のYesも出席として扱うべき")
	}
}

func TestLoad_PartiesWithoutRSVPs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, FileParties, "party_id,party_date,host_email\np1,2026-03-16,host@example.com\n")

	b, err := NewLoader(dir, newTestLogger(&bytes.Buffer{})).Load(context.Background())
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if !b.HasReservations || len(b.Reservations) != 1 {
		t.Fatalf("reservations = %+v", b.Reservations)
	}
	if len(b.Reservations[0].Guests) != 0 {
		t.Errorf("guests = %d, want 0", len(b.Reservations[0].Guests))
	}
	if r, ok := b.Report(FileRSVPs); !ok || !r.Missing {
		t.Errorf("rsvps report = %+v", r)
	}
}

func TestLoad_Errors(t *testing.T) {
	t.Run("存在しないディレクトリ", func(t *testing.T) {
		_, err := NewLoader(filepath.Join(t.TempDir(), "nope"), newTestLogger(&bytes.Buffer{})).Load(context.Background())
		if err == nil {
			t.Fatal("expected error for missing dir")
		}
	})

	t.Run("ディレクトリではない", func(t *testing.T) {
		dir := t.TempDir()
		writeFile(t, dir, "file.txt", "x")
		_, err := NewLoader(filepath.Join(dir, "file.txt"), newTestLogger(&bytes.Buffer{})).Load(context.Background())
		if err == nil {
			t.Fatal("expected error for non-directory path")
		}
	})

	t.Run("キャンセル済みのcontext", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := NewLoader(t.TempDir(), newTestLogger(&bytes.Buffer{})).Load(ctx)
		if err != context.Canceled {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	})
}

func TestColumnKey(t *testing.T) {
	tests := map[string]string{
		"Total Amount":  "total_amount",
		" Data  Source": "data_source",
		"customer_id":   "customer_id",
		"Date":          "date",
	}
	for in, want := range tests {
		if got := columnKey(in); got != want {
			t.Errorf("columnKey(%q) = %q, want %q", in, got, want)
		}
	}
}
