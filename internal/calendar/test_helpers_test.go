package calendar

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

type memoryStore struct {
	mu      sync.Mutex
	blobs   map[string][]byte
	saves   int
	loadErr error
	saveErr error
}

func newMemoryStore() *memoryStore {
	return &memoryStore{blobs: make(map[string][]byte)}
}

func (s *memoryStore) Load(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	blob, ok := s.blobs[key]
	return blob, ok, nil
}

func (s *memoryStore) Save(_ context.Context, key string, blob []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves++
	s.blobs[key] = append([]byte(nil), blob...)
	return nil
}

func (s *memoryStore) saveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type sequenceIDs struct {
	mu   sync.Mutex
	next int
	err  error
}

func (p *sequenceIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	p.next++
	return fmt.Sprintf("reminder-%d", p.next), nil
}

type channelSource struct {
	mu       sync.Mutex
	streams  []chan []SharedEvent
	released int
}

func (s *channelSource) Subscribe(_ context.Context) (<-chan []SharedEvent, func()) {
	stream := make(chan []SharedEvent, 4)
	s.mu.Lock()
	s.streams = append(s.streams, stream)
	s.mu.Unlock()
	var once sync.Once
	return stream, func() {
		once.Do(func() {
			s.mu.Lock()
			s.released++
			s.mu.Unlock()
		})
	}
}

func (s *channelSource) push(t *testing.T, events []SharedEvent) {
	t.Helper()
	s.mu.Lock()
	streams := append([]chan []SharedEvent(nil), s.streams...)
	s.mu.Unlock()
	if len(streams) == 0 {
		t.Fatal("no subscriber to push to")
	}
	for _, stream := range streams {
		stream <- events
	}
}

func (s *channelSource) releasedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

var errStoreUnavailable = errors.New("store unavailable")

func fixedClock(date string) func() time.Time {
	instant, err := time.Parse(DateLayout, date)
	if err != nil {
		panic(err)
	}
	return func() time.Time {
		return instant.Add(9 * time.Hour)
	}
}

func mustDate(t *testing.T, value string) Date {
	t.Helper()
	date, err := NewDate(value)
	if err != nil {
		t.Fatalf("unexpected date error: %v", err)
	}
	return date
}

func newTestAggregator(t *testing.T, store ReminderStore) *Aggregator {
	t.Helper()
	aggregator, err := NewAggregator(AggregatorConfig{
		Store:      store,
		StoreKey:   ReminderStoreKey("user-1"),
		IDProvider: &sequenceIDs{},
		Clock:      fixedClock("2024-06-14"),
	})
	if err != nil {
		t.Fatalf("failed to construct aggregator: %v", err)
	}
	return aggregator
}

func texts(items []Entry) []string {
	values := make([]string, 0, len(items))
	for _, item := range items {
		switch item.Kind {
		case EntryKindReminder:
			values = append(values, "reminder:"+item.Reminder.Text)
		case EntryKindSharedEvent:
			values = append(values, "event:"+item.SharedEvent.Title)
		}
	}
	return values
}

func equalStrings(left, right []string) bool {
	if len(left) != len(right) {
		return false
	}
	for index := range left {
		if left[index] != right[index] {
			return false
		}
	}
	return true
}
