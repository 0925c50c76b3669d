package mural

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

type steppingClock struct {
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.current = c.current.Add(time.Second)
	return c.current
}

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("message-%02d", s.next), nil
}

func newTestService(t *testing.T) *Service {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Message{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	t.Cleanup(func() { _ = sqlDB.Close() })

	clock := &steppingClock{current: time.Date(2024, time.June, 14, 9, 0, 0, 0, time.UTC)}
	service, err := NewService(ServiceConfig{Database: db, Clock: clock.Now, IDProvider: &sequenceIDs{}})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func TestPostRejectsBlankText(t *testing.T) {
	service := newTestService(t)
	if _, err := service.Post(context.Background(), Author{UserID: "user-1"}, " \n\t "); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("expected empty message error, got %v", err)
	}
	messages, err := service.List(context.Background(), 0)
	if err != nil || len(messages) != 0 {
		t.Fatalf("expected no stored messages, got %v err=%v", messages, err)
	}
}

func TestPostDefaultsAuthorNameAndListsNewestFirst(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	first, err := service.Post(ctx, Author{UserID: "user-1"}, "  bom dia  ")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	if first.UserName != DefaultAuthorName || first.Text != "bom dia" {
		t.Fatalf("unexpected first message %+v", first)
	}
	if _, err := service.Post(ctx, Author{UserID: "user-2", DisplayName: "Joana", PhotoURL: "/media/profile_pictures/user-2"}, "oi"); err != nil {
		t.Fatalf("post failed: %v", err)
	}

	messages, err := service.List(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(messages) != 2 || messages[0].UserName != "Joana" || messages[1].MessageID != first.MessageID {
		t.Fatalf("expected newest first, got %+v", messages)
	}

	limited, err := service.List(ctx, 1)
	if err != nil || len(limited) != 1 {
		t.Fatalf("expected limit to apply, got %v err=%v", limited, err)
	}

	view := messages[1].ViewFor("user-1")
	if !view.IsMine || messages[0].ViewFor("user-1").IsMine {
		t.Fatalf("unexpected ownership flags")
	}
}

func TestPostPublishesChangeNotice(t *testing.T) {
	service := newTestService(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notices, release := service.Subscribe(ctx)
	defer release()

	posted, err := service.Post(ctx, Author{UserID: "user-1"}, "novidade")
	if err != nil {
		t.Fatalf("post failed: %v", err)
	}
	select {
	case notice := <-notices:
		if notice.MessageID != posted.MessageID {
			t.Fatalf("unexpected notice %+v", notice)
		}
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change notice")
	}
}
