package calendar

import (
	"context"
	"errors"
	"reflect"
	"testing"
)

func TestAggregatorEndToEndScenario(t *testing.T) {
	ctx := context.Background()
	aggregator := newTestAggregator(t, newMemoryStore())
	day := mustDate(t, "2024-06-14")

	if aggregator.SelectedDate() != day {
		t.Fatalf("expected today to be selected, got %s", aggregator.SelectedDate())
	}

	added := aggregator.AddReminder(ctx, "Buy supplies")
	if !added.Applied || !added.Persisted() {
		t.Fatalf("expected reminder to be applied and persisted: %#v", added)
	}
	if got := texts(aggregator.ItemsForDay(day)); !equalStrings(got, []string{"reminder:Buy supplies"}) {
		t.Fatalf("unexpected items after add: %v", got)
	}

	aggregator.ApplySnapshot([]SharedEvent{{ID: "e1", Date: "2024-06-14", Title: "Meetup"}})
	items := aggregator.ItemsForDay(day)
	if got := texts(items); !equalStrings(got, []string{"reminder:Buy supplies", "event:Meetup"}) {
		t.Fatalf("unexpected items after snapshot: %v", got)
	}
	if items[1].Kind != EntryKindSharedEvent || items[1].SharedEvent.Date != "2024-06-14" {
		t.Fatalf("expected tagged shared event entry, got %#v", items[1])
	}

	deleted := aggregator.DeleteReminder(ctx, added.Reminder.ID)
	if !deleted.Applied {
		t.Fatalf("expected delete to apply")
	}
	if got := texts(aggregator.ItemsForDay(day)); !equalStrings(got, []string{"event:Meetup"}) {
		t.Fatalf("unexpected items after delete: %v", got)
	}
}

func TestAggregatorPreservesAddOrderMinusDeletes(t *testing.T) {
	ctx := context.Background()
	aggregator := newTestAggregator(t, newMemoryStore())
	day := mustDate(t, "2024-07-01")
	aggregator.SelectDate(day)

	first := aggregator.AddReminder(ctx, "first")
	aggregator.AddReminder(ctx, "second")
	third := aggregator.AddReminder(ctx, "third")
	aggregator.AddReminder(ctx, "fourth")
	aggregator.DeleteReminder(ctx, first.Reminder.ID)
	aggregator.DeleteReminder(ctx, third.Reminder.ID)
	aggregator.ApplySnapshot([]SharedEvent{
		{ID: "e2", Date: "2024-07-01", Title: "Zeta"},
		{ID: "e1", Date: "2024-07-01", Title: "Alpha"},
	})

	want := []string{"reminder:second", "reminder:fourth", "event:Zeta", "event:Alpha"}
	if got := texts(aggregator.ItemsForDay(day)); !equalStrings(got, want) {
		t.Fatalf("unexpected order: got %v want %v", got, want)
	}
}

func TestAggregatorIgnoresBlankReminderText(t *testing.T) {
	store := newMemoryStore()
	aggregator := newTestAggregator(t, store)

	result := aggregator.AddReminder(context.Background(), "   \t ")
	if result.Applied {
		t.Fatalf("expected blank text to be ignored")
	}
	if len(aggregator.Reminders()) != 0 {
		t.Fatalf("expected no reminders, got %v", aggregator.Reminders())
	}
	if store.saveCount() != 0 {
		t.Fatalf("expected no save for ignored input")
	}
}

func TestAggregatorRemovesDateKeyWhenLastReminderDeleted(t *testing.T) {
	ctx := context.Background()
	aggregator := newTestAggregator(t, newMemoryStore())
	day := aggregator.SelectedDate()

	added := aggregator.AddReminder(ctx, "only one")
	aggregator.DeleteReminder(ctx, added.Reminder.ID)

	if _, ok := aggregator.Reminders()[day]; ok {
		t.Fatalf("expected date key to be removed once empty")
	}
	if _, ok := aggregator.Marks()[day]; !ok {
		t.Fatalf("selected date should still be marked")
	}
	if aggregator.Marks()[day].Private {
		t.Fatalf("expected no private marker after last reminder was deleted")
	}
}

func TestAggregatorDeleteUnknownIDIsNoOp(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	aggregator := newTestAggregator(t, store)
	aggregator.AddReminder(ctx, "keep me")
	before := aggregator.Reminders()
	savesBefore := store.saveCount()

	result := aggregator.DeleteReminder(ctx, "missing")
	if result.Applied {
		t.Fatalf("expected unknown id to be ignored")
	}
	if !reflect.DeepEqual(before, aggregator.Reminders()) {
		t.Fatalf("expected reminders to be unchanged")
	}
	if store.saveCount() != savesBefore {
		t.Fatalf("expected no save for ignored delete")
	}
}

func TestAggregatorMarksUnionOfSources(t *testing.T) {
	ctx := context.Background()
	aggregator := newTestAggregator(t, newMemoryStore())
	aggregator.AddReminderOn(ctx, mustDate(t, "2024-06-01"), "private only")
	aggregator.AddReminderOn(ctx, mustDate(t, "2024-06-02"), "both")
	aggregator.ApplySnapshot([]SharedEvent{
		{ID: "e1", Date: "2024-06-02", Title: "Both"},
		{ID: "e2", Date: "2024-06-03", Title: "Public only"},
		{ID: "e3", Date: "", Title: "Undated"},
	})
	aggregator.SelectDate(mustDate(t, "2024-06-20"))

	want := MarkSet{
		"2024-06-01": {Private: true},
		"2024-06-02": {Private: true, Public: true},
		"2024-06-03": {Public: true},
		"2024-06-20": {Selected: true},
	}
	if got := aggregator.Marks(); !reflect.DeepEqual(got, want) {
		t.Fatalf("unexpected marks:\n got %#v\nwant %#v", got, want)
	}
}

func TestAggregatorSnapshotSupersedesPrevious(t *testing.T) {
	aggregator := newTestAggregator(t, newMemoryStore())
	day := mustDate(t, "2024-06-14")

	aggregator.ApplySnapshot([]SharedEvent{
		{ID: "e1", Date: "2024-06-14", Title: "Old"},
		{ID: "e2", Date: "2024-06-15", Title: "Moved"},
	})
	aggregator.ApplySnapshot([]SharedEvent{{ID: "e3", Date: "2024-06-14", Title: "New"}})

	if got := texts(aggregator.ItemsForDay(day)); !equalStrings(got, []string{"event:New"}) {
		t.Fatalf("expected only the newest snapshot, got %v", got)
	}
	if _, ok := aggregator.Marks()["2024-06-15"]; ok {
		t.Fatalf("stale snapshot date should not remain marked")
	}
}

func TestAggregatorSelectedEmptyDay(t *testing.T) {
	aggregator := newTestAggregator(t, newMemoryStore())
	day := mustDate(t, "2030-01-01")
	aggregator.SelectDate(day)

	items := aggregator.ItemsForDay(day)
	if items == nil || len(items) != 0 {
		t.Fatalf("expected empty non-nil item list, got %#v", items)
	}
	mark, ok := aggregator.Marks()[day]
	if !ok || mark != (Mark{Selected: true}) {
		t.Fatalf("expected selected-only mark, got %#v (present=%v)", mark, ok)
	}
}

func TestAggregatorPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	aggregator := newTestAggregator(t, store)
	aggregator.AddReminder(ctx, "Buy supplies")
	aggregator.AddReminderOn(ctx, mustDate(t, "2024-06-20"), "Call clinic")

	reloaded := newTestAggregator(t, store)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("unexpected load error: %v", err)
	}
	if !reflect.DeepEqual(aggregator.Reminders(), reloaded.Reminders()) {
		t.Fatalf("reloaded reminders differ:\n got %#v\nwant %#v", reloaded.Reminders(), aggregator.Reminders())
	}
}

func TestAggregatorSaveFailureKeepsMemoryState(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore()
	store.saveErr = errStoreUnavailable
	aggregator := newTestAggregator(t, store)

	result := aggregator.AddReminder(ctx, "Buy supplies")
	if !result.Applied {
		t.Fatalf("expected mutation to apply in memory")
	}
	if result.Persisted() || !errors.Is(result.PersistErr, ErrPersistReminders) {
		t.Fatalf("expected persist error, got %v", result.PersistErr)
	}
	if !errors.Is(aggregator.LastPersistError(), ErrPersistReminders) {
		t.Fatalf("expected degraded state to be recorded")
	}
	if got := texts(aggregator.ItemsForDay(aggregator.SelectedDate())); !equalStrings(got, []string{"reminder:Buy supplies"}) {
		t.Fatalf("unexpected items: %v", got)
	}

	store.saveErr = nil
	aggregator.AddReminder(ctx, "retry")
	if aggregator.LastPersistError() != nil {
		t.Fatalf("expected degraded state to clear after a successful save")
	}
}

func TestAggregatorLoadFailureDefaultsToEmpty(t *testing.T) {
	testCases := []struct {
		name  string
		setup func(*memoryStore)
	}{
		{
			name: "store-error",
			setup: func(store *memoryStore) {
				store.loadErr = errStoreUnavailable
			},
		},
		{
			name: "corrupt-blob",
			setup: func(store *memoryStore) {
				store.blobs[ReminderStoreKey("user-1")] = []byte("{not json")
			},
		},
		{
			name: "invalid-date-key",
			setup: func(store *memoryStore) {
				store.blobs[ReminderStoreKey("user-1")] = []byte(`{"14/06/2024":[{"id":"1","text":"x"}]}`)
			},
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			store := newMemoryStore()
			testCase.setup(store)
			aggregator := newTestAggregator(t, store)

			err := aggregator.Load(context.Background())
			if !errors.Is(err, ErrLoadReminders) {
				t.Fatalf("expected load error, got %v", err)
			}
			if len(aggregator.Reminders()) != 0 {
				t.Fatalf("expected empty reminders after failed load")
			}
		})
	}
}

func TestAggregatorIDFailureRejectsMutation(t *testing.T) {
	aggregator, err := NewAggregator(AggregatorConfig{
		Store:      newMemoryStore(),
		StoreKey:   ReminderStoreKey("user-1"),
		IDProvider: &sequenceIDs{err: errors.New("entropy exhausted")},
	})
	if err != nil {
		t.Fatalf("failed to construct aggregator: %v", err)
	}
	if result := aggregator.AddReminder(context.Background(), "text"); result.Applied {
		t.Fatalf("expected mutation to be rejected without an id")
	}
}

func TestNewDateValidation(t *testing.T) {
	testCases := []struct {
		input   string
		want    Date
		wantErr bool
	}{
		{input: "2024-06-14", want: "2024-06-14"},
		{input: " 2024-06-14 ", want: "2024-06-14"},
		{input: "", wantErr: true},
		{input: "2024-6-14", wantErr: true},
		{input: "2024-02-30", wantErr: true},
	}
	for _, testCase := range testCases {
		got, err := NewDate(testCase.input)
		if testCase.wantErr {
			if !errors.Is(err, ErrInvalidDate) {
				t.Fatalf("expected invalid date for %q, got %v", testCase.input, err)
			}
			continue
		}
		if err != nil || got != testCase.want {
			t.Fatalf("NewDate(%q) = %q, %v", testCase.input, got, err)
		}
	}
}
