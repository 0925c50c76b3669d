package events

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/calendar"
)

func TestServiceCreateUpdateDelete(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	created, err := service.Create(ctx, Input{
		Date:     "2024-06-20",
		Title:    "  Feira comunitária ",
		Location: "Praça Central",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if created.EventID != "event-1" || created.Title != "Feira comunitária" || created.Source != SourceManual {
		t.Fatalf("unexpected created event %+v", created)
	}

	updated, err := service.Update(ctx, created.EventID, Input{Date: "2024-06-21", Title: "Feira"})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Date != "2024-06-21" || updated.Location != "" {
		t.Fatalf("unexpected updated event %+v", updated)
	}

	if _, err := service.Update(ctx, "missing", Input{Date: "2024-06-21", Title: "x"}); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected not found on update, got %v", err)
	}

	if err := service.Delete(ctx, created.EventID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := service.Delete(ctx, created.EventID); !errors.Is(err, ErrEventNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
	listed, err := service.List(ctx)
	if err != nil || len(listed) != 0 {
		t.Fatalf("expected empty list, got %v err=%v", listed, err)
	}
}

func TestServiceRejectsInvalidInput(t *testing.T) {
	service := newTestService(t)
	testCases := []struct {
		name  string
		input Input
		want  error
	}{
		{name: "bad date", input: Input{Date: "14/06/2024", Title: "x"}, want: calendar.ErrInvalidDate},
		{name: "blank title", input: Input{Date: "2024-06-14", Title: "   "}, want: ErrMissingTitle},
		{name: "long title", input: Input{Date: "2024-06-14", Title: strings.Repeat("a", maxTitleLength+1)}, want: ErrFieldTooLong},
		{name: "long accented title", input: Input{Date: "2024-06-14", Title: strings.Repeat("ã", maxTitleLength+1)}, want: ErrFieldTooLong},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := service.Create(context.Background(), testCase.input); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestServiceCountsFieldLengthInCharacters(t *testing.T) {
	service := newTestService(t)
	title := strings.Repeat("ç", maxTitleLength)
	location := strings.Repeat("é", maxLocationLength)
	created, err := service.Create(context.Background(), Input{Date: "2024-06-14", Title: title, Location: location})
	if err != nil {
		t.Fatalf("expected accented fields at the limit to be accepted, got %v", err)
	}
	if created.Title != title || created.Location != location {
		t.Fatalf("unexpected stored fields %+v", created)
	}
}

func TestServicePublishesAfterCallerCancellation(t *testing.T) {
	service := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, release := service.Subscribe(ctx)
	defer release()
	if initial := receiveSnapshot(t, stream); len(initial) != 0 {
		t.Fatalf("expected empty initial snapshot, got %+v", initial)
	}

	if _, err := service.Create(ctx, Input{Date: "2024-06-20", Title: "committed"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	receiveSnapshot(t, stream)

	requestCtx, cancelRequest := context.WithCancel(context.Background())
	cancelRequest()
	service.writeMu.Lock()
	service.publishLocked(requestCtx)
	service.writeMu.Unlock()

	republished := receiveSnapshot(t, stream)
	if len(republished) != 1 || republished[0].Title != "committed" {
		t.Fatalf("expected snapshot despite cancelled request, got %+v", republished)
	}
}

func TestServiceListUpcomingOrdersByDate(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()
	for _, input := range []Input{
		{Date: "2024-06-30", Title: "later"},
		{Date: "2024-06-01", Title: "past"},
		{Date: "2024-06-14", Title: "today"},
	} {
		if _, err := service.Create(ctx, input); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	upcoming, err := service.ListUpcoming(ctx, calendar.Date("2024-06-14"))
	if err != nil {
		t.Fatalf("list upcoming failed: %v", err)
	}
	if len(upcoming) != 2 || upcoming[0].Title != "today" || upcoming[1].Title != "later" {
		t.Fatalf("unexpected upcoming events %+v", upcoming)
	}
}

func TestServiceSubscribeDeliversInitialAndChangedSnapshots(t *testing.T) {
	service := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := service.Create(ctx, Input{Date: "2024-06-20", Title: "first"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	stream, release := service.Subscribe(ctx)
	defer release()

	initial := receiveSnapshot(t, stream)
	if len(initial) != 1 || initial[0].Title != "first" {
		t.Fatalf("unexpected initial snapshot %+v", initial)
	}

	if _, err := service.Create(ctx, Input{Date: "2024-06-15", Title: "second"}); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	changed := receiveSnapshot(t, stream)
	if len(changed) != 2 || changed[0].Title != "second" {
		t.Fatalf("expected complete ordered snapshot, got %+v", changed)
	}

	release()
	select {
	case _, open := <-stream:
		if open {
			t.Fatalf("expected closed stream after release")
		}
	case <-time.After(time.Second):
		t.Fatalf("stream not closed after release")
	}
}

func TestServiceWithoutDatabaseReportsCode(t *testing.T) {
	service := &Service{}
	_, err := service.List(context.Background())
	if err == nil || !strings.Contains(err.Error(), "events.list.missing_database") {
		t.Fatalf("expected missing database error, got %v", err)
	}
}

func TestMapURL(t *testing.T) {
	if got := MapURL("   "); got != "" {
		t.Fatalf("expected empty link for blank location, got %q", got)
	}
	want := "https://www.google.com/maps/search/?api=1&query=Pra%C3%A7a+Central%2C+Salvador"
	if got := MapURL(" Praça Central, Salvador "); got != want {
		t.Fatalf("unexpected map link %q", got)
	}
}

func TestFormatDisplayDate(t *testing.T) {
	testCases := map[string]string{
		"2024-06-14": "14 de junho",
		"2024-03-01": "1 de março",
		"2024-12-25": "25 de dezembro",
		"not-a-date": "not-a-date",
	}
	for input, want := range testCases {
		if got := FormatDisplayDate(input); got != want {
			t.Fatalf("FormatDisplayDate(%q) = %q, want %q", input, got, want)
		}
	}
}

func receiveSnapshot(t *testing.T, stream <-chan []calendar.SharedEvent) []calendar.SharedEvent {
	t.Helper()
	select {
	case snapshot, open := <-stream:
		if !open {
			t.Fatalf("stream closed unexpectedly")
		}
		return snapshot
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for snapshot")
	}
	return nil
}
