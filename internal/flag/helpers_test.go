package flag

import (
	"bytes"
	"log/slog"
	"time"

	"github.com/hitoshi/gymflag/internal/model"
)

const testCustomer = "cust-1"

var now = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
}

func daysAgo(n int) time.Time {
	return now.AddDate(0, 0, -n)
}

func ev(t model.EventType, at time.Time) model.Event {
	return model.Event{Type: t, Timestamp: at}
}

func checkin(at time.Time, dayPass bool) model.Event {
	return model.Event{
		Type:      model.EventCheckin,
		Timestamp: at,
		Payload:   map[string]any{"is_day_pass": dayPass},
	}
}

func flagEvent(flagType string, at time.Time, data map[string]any) model.Event {
	f := model.Flag{FlagType: flagType, TriggeredAt: at, Data: data, Priority: model.PriorityMedium}
	return f.Event()
}

// timeline は顧客IDと挿入順を付け、タイムスタンプ順に並べる。
func timeline(events ...model.Event) []model.Event {
	out := make([]model.Event, len(events))
	for i, e := range events {
		e.CustomerID = testCustomer
		e.Seq = int64(i + 1)
		out[i] = e
	}
	model.SortEvents(out)
	return out
}

func ctxFor(group model.Group, events ...model.Event) EvalContext {
	return EvalContext{
		CustomerID: testCustomer,
		Events:     timeline(events...),
		Now:        now,
		Group:      group,
	}
}

type stubContacts map[string]model.Contact

func (s stubContacts) Contact(id string) (model.Contact, bool) {
	c, ok := s[id]
	return c, ok
}
