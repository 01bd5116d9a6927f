package dashboard

import (
	"context"
	"errors"
	"testing"
	"time"

	"labtrack/internal/member"
	"labtrack/internal/occupancy"
	"labtrack/internal/presence"
	"labtrack/internal/realtime"
	"labtrack/internal/store"
)

var morning = time.Date(2026, 4, 6, 9, 0, 0, 0, time.UTC)

func seeded(t *testing.T) (*store.Memory, member.Member) {
	t.Helper()
	st := store.NewMemory(nil)
	st.SetClock(func() time.Time { return morning })
	m, err := st.CreateMember(context.Background(), member.Member{FirstName: "Ana", LastName: "Cruz", ExternalID: "STU001"})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateMember(context.Background(), member.Member{FirstName: "Ben", LastName: "Reyes", ExternalID: "STU002"}); err != nil {
		t.Fatal(err)
	}
	return st, m
}

func TestSnapshotEmpty(t *testing.T) {
	st, _ := seeded(t)
	svc := NewService(st, 0, nil)
	svc.SetClock(func() time.Time { return morning })

	v, err := svc.Snapshot(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	want := occupancy.Summary{Date: "2026-04-06", TotalMembers: 2}
	if v.Summary != want {
		t.Fatalf("summary = %+v, want %+v", v.Summary, want)
	}
	if v.Logs == nil || len(v.Logs) != 0 {
		t.Fatalf("expected empty, non-nil logs, got %#v", v.Logs)
	}
}

type recordingObserver struct{ last occupancy.Summary }

func (r *recordingObserver) ObserveSummary(s occupancy.Summary) { r.last = s }

func TestSnapshotCountsToday(t *testing.T) {
	st, m := seeded(t)
	ctx := context.Background()
	in, _ := st.AppendLogEntry(ctx, m.ID, presence.ActionIn, "front", "")
	out, _ := st.AppendLogEntry(ctx, m.ID, presence.ActionOut, "front", in.ID)
	if _, err := st.AppendLogEntry(ctx, m.ID, presence.ActionIn, "front", out.ID); err != nil {
		t.Fatal(err)
	}

	obs := &recordingObserver{}
	svc := NewService(st, 50, time.UTC)
	svc.SetClock(func() time.Time { return morning.Add(time.Hour) })
	svc.SetObserver(obs)

	v, err := svc.Snapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if v.Summary.TodayEntries != 2 || v.Summary.TodayExits != 1 || v.Summary.CurrentlyPresentEstimate != 1 {
		t.Fatalf("unexpected summary %+v", v.Summary)
	}
	if len(v.Logs) != 3 || v.Logs[0].MemberName != "Ana Cruz" {
		t.Fatalf("unexpected logs %+v", v.Logs)
	}
	if obs.last != v.Summary {
		t.Fatal("observer did not see the summary")
	}
}

func TestSnapshotUsesReportingZone(t *testing.T) {
	st, m := seeded(t)
	ctx := context.Background()
	// 23:30 UTC on the 5th is already the 6th in Manila
	st.SetClock(func() time.Time { return time.Date(2026, 4, 5, 23, 30, 0, 0, time.UTC) })
	if _, err := st.AppendLogEntry(ctx, m.ID, presence.ActionIn, "front", ""); err != nil {
		t.Fatal(err)
	}

	manila := time.FixedZone("PHT", 8*60*60)
	svc := NewService(st, 50, manila)
	svc.SetClock(func() time.Time { return morning })
	v, _ := svc.Snapshot(ctx)
	if v.Summary.TodayEntries != 1 {
		t.Fatalf("entry should count on the Manila day, got %+v", v.Summary)
	}

	utc := NewService(st, 50, time.UTC)
	utc.SetClock(func() time.Time { return morning })
	v, _ = utc.Snapshot(ctx)
	if v.Summary.TodayEntries != 0 {
		t.Fatalf("entry belongs to the previous UTC day, got %+v", v.Summary)
	}
}

func TestSnapshotWindow(t *testing.T) {
	st, m := seeded(t)
	ctx := context.Background()
	last := ""
	for i := 0; i < 5; i++ {
		action := presence.ActionIn
		if i%2 == 1 {
			action = presence.ActionOut
		}
		e, err := st.AppendLogEntry(ctx, m.ID, action, "front", last)
		if err != nil {
			t.Fatal(err)
		}
		last = e.ID
	}
	svc := NewService(st, 2, nil)
	svc.SetClock(func() time.Time { return morning })
	v, _ := svc.Snapshot(ctx)
	if len(v.Logs) != 2 {
		t.Fatalf("window not applied: %d", len(v.Logs))
	}
}

func TestWatchRefreshesOnInsert(t *testing.T) {
	st, m := seeded(t)
	svc := NewService(st, 50, nil)
	svc.SetClock(func() time.Time { return morning })

	views := make(chan View, 8)
	sub, err := svc.Watch(context.Background(), func(v View) { views <- v })
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	first := next(t, views)
	if first.Summary.TodayEntries != 0 {
		t.Fatalf("initial view should be empty, got %+v", first.Summary)
	}

	if _, err := st.AppendLogEntry(context.Background(), m.ID, presence.ActionIn, "front", ""); err != nil {
		t.Fatal(err)
	}
	for {
		v := next(t, views)
		if v.Summary.TodayEntries == 1 {
			break
		}
	}
}

func TestWatchCloseStopsFeed(t *testing.T) {
	st, m := seeded(t)
	svc := NewService(st, 50, nil)
	views := make(chan View, 8)
	sub, err := svc.Watch(context.Background(), func(v View) { views <- v })
	if err != nil {
		t.Fatal(err)
	}
	next(t, views)
	if err := sub.Close(); err != nil {
		t.Fatal(err)
	}
	if err := sub.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	if _, err := st.AppendLogEntry(context.Background(), m.ID, presence.ActionIn, "front", ""); err != nil {
		t.Fatal(err)
	}
	select {
	case v := <-views:
		t.Fatalf("no view expected after close, got %+v", v)
	case <-time.After(100 * time.Millisecond):
	}
}

type brokenSource struct{}

func (brokenSource) CountMembers(context.Context) (int, error) { return 0, nil }
func (brokenSource) ListRecentLogEntries(context.Context, int) ([]presence.LogEntry, error) {
	return nil, errors.New("db down")
}
func (brokenSource) SubscribeToLogEntryChanges(context.Context, realtime.Handler) (realtime.Subscription, error) {
	return nil, errors.New("bus down")
}

func TestSnapshotAndWatchErrors(t *testing.T) {
	svc := NewService(brokenSource{}, 50, nil)
	if _, err := svc.Snapshot(context.Background()); err == nil {
		t.Fatal("expected snapshot error")
	}
	if _, err := svc.Watch(context.Background(), func(View) {}); err == nil {
		t.Fatal("expected watch error")
	}
}

func next(t *testing.T, views <-chan View) View {
	t.Helper()
	select {
	case v := <-views:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a view")
	}
	return View{}
}
