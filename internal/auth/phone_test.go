package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

type capturingSender struct {
	mu       sync.Mutex
	messages map[string]string
	err      error
}

func (s *capturingSender) Send(_ context.Context, phoneNumber, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	if s.messages == nil {
		s.messages = map[string]string{}
	}
	s.messages[phoneNumber] = message
	return nil
}

type sequenceIDs struct {
	next int
}

func (s *sequenceIDs) NewID() (string, error) {
	s.next++
	return fmt.Sprintf("verification-%d", s.next), nil
}

type verifierFixture struct {
	verifier *PhoneVerifier
	sender   *capturingSender
	now      *time.Time
}

func newVerifierFixture(t *testing.T) verifierFixture {
	t.Helper()
	name := strings.ReplaceAll(t.Name(), "/", "_")
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&PhoneVerification{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	now := time.Date(2024, time.June, 14, 9, 0, 0, 0, time.UTC)
	sender := &capturingSender{}
	verifier, err := NewPhoneVerifier(PhoneVerifierConfig{
		Database:      db,
		Sender:        sender,
		IDProvider:    &sequenceIDs{},
		CodeTTL:       10 * time.Minute,
		Clock:         func() time.Time { return now },
		CodeGenerator: func() (string, error) { return "123456", nil },
	})
	if err != nil {
		t.Fatalf("failed to construct verifier: %v", err)
	}
	return verifierFixture{verifier: verifier, sender: sender, now: &now}
}

func TestPhoneVerifierRejectsMalformedNumbers(t *testing.T) {
	fixture := newVerifierFixture(t)
	for _, phone := range []string{"", "71999998888", "+5571999998", "+557199999888812", "+1415555012345", "+55719999a8888"} {
		if _, err := fixture.verifier.Start(context.Background(), phone); !errors.Is(err, ErrInvalidPhoneNumber) {
			t.Fatalf("expected %q to be rejected, got %v", phone, err)
		}
	}
}

func TestPhoneVerifierConfirmsCodeOnce(t *testing.T) {
	fixture := newVerifierFixture(t)
	ctx := context.Background()

	verificationID, err := fixture.verifier.Start(ctx, "+5571999998888")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if !strings.Contains(fixture.sender.messages["+5571999998888"], "123456") {
		t.Fatalf("expected code in sms, got %q", fixture.sender.messages["+5571999998888"])
	}

	phone, err := fixture.verifier.Confirm(ctx, verificationID, " 123456 ")
	if err != nil || phone != "+5571999998888" {
		t.Fatalf("expected confirmed phone, got %q err=%v", phone, err)
	}
	if _, err := fixture.verifier.Confirm(ctx, verificationID, "123456"); !errors.Is(err, ErrVerificationNotFound) {
		t.Fatalf("expected consumed verification, got %v", err)
	}
}

func TestPhoneVerifierLocksAfterRepeatedFailures(t *testing.T) {
	fixture := newVerifierFixture(t)
	ctx := context.Background()
	verificationID, err := fixture.verifier.Start(ctx, "+5571999998888")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}

	for attempt := 0; attempt < maxConfirmAttempts; attempt++ {
		if _, err := fixture.verifier.Confirm(ctx, verificationID, "000000"); !errors.Is(err, ErrInvalidCode) {
			t.Fatalf("attempt %d: expected invalid code, got %v", attempt, err)
		}
	}
	if _, err := fixture.verifier.Confirm(ctx, verificationID, "123456"); !errors.Is(err, ErrTooManyAttempts) {
		t.Fatalf("expected lockout, got %v", err)
	}
}

func TestPhoneVerifierExpiresCodes(t *testing.T) {
	fixture := newVerifierFixture(t)
	ctx := context.Background()
	verificationID, err := fixture.verifier.Start(ctx, "+5571999998888")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	*fixture.now = fixture.now.Add(11 * time.Minute)

	if _, err := fixture.verifier.Confirm(ctx, verificationID, "123456"); !errors.Is(err, ErrVerificationExpired) {
		t.Fatalf("expected expired verification, got %v", err)
	}
	purged, err := fixture.verifier.PurgeExpired(ctx)
	if err != nil || purged != 1 {
		t.Fatalf("expected one purged verification, got %d err=%v", purged, err)
	}
}

func TestPhoneVerifierDropsVerificationWhenSMSFails(t *testing.T) {
	fixture := newVerifierFixture(t)
	fixture.sender.err = errors.New("gateway down")

	if _, err := fixture.verifier.Start(context.Background(), "+5571999998888"); err == nil {
		t.Fatalf("expected sms failure")
	}
	if _, err := fixture.verifier.Confirm(context.Background(), "verification-1", "123456"); !errors.Is(err, ErrVerificationNotFound) {
		t.Fatalf("expected verification to be removed, got %v", err)
	}
}

func TestLogSMSSenderMasksPhoneNumber(t *testing.T) {
	core, recorded := observer.New(zap.InfoLevel)
	sender := LogSMSSender{Logger: zap.New(core)}
	if err := sender.Send(context.Background(), "+5571999998888", "code"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	entries := recorded.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if got := entries[0].ContextMap()["phone_number"]; got != "+55*******8888" {
		t.Fatalf("unexpected masked phone %v", got)
	}
}
