package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/harbor/internal/apperr"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultCodeTTL     = 10 * time.Minute
	maxConfirmAttempts = 5
	codeDigits         = 6
)

var (
	// ErrInvalidPhoneNumber indicates a number outside the accepted +55 format.
	ErrInvalidPhoneNumber = errors.New("auth: invalid phone number")
	// ErrVerificationNotFound indicates an unknown or already used verification.
	ErrVerificationNotFound = errors.New("auth: verification not found")
	// ErrVerificationExpired indicates a verification past its expiry.
	ErrVerificationExpired = errors.New("auth: verification expired")
	// ErrInvalidCode indicates a code that does not match the verification.
	ErrInvalidCode = errors.New("auth: invalid verification code")
	// ErrTooManyAttempts indicates a verification locked after repeated failures.
	ErrTooManyAttempts = errors.New("auth: too many verification attempts")
)

var brazilianMobilePattern = regexp.MustCompile(`^\+55[0-9]{11}$`)

// PhoneVerification is a pending SMS login. Only a hash of the code is stored.
type PhoneVerification struct {
	VerificationID   string `gorm:"column:verification_id;primaryKey;size:190;not null"`
	PhoneNumber      string `gorm:"column:phone_number;size:20;not null;index"`
	CodeHash         string `gorm:"column:code_hash;size:64;not null"`
	Attempts         int    `gorm:"column:attempts;not null;default:0"`
	ExpiresAtSeconds int64  `gorm:"column:expires_at_s;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
}

// TableName binds the model to the pending verification table.
func (PhoneVerification) TableName() string {
	return "phone_verifications"
}

// SMSSender delivers verification codes.
type SMSSender interface {
	Send(ctx context.Context, phoneNumber, message string) error
}

// LogSMSSender writes verification messages to the log instead of an SMS gateway.
type LogSMSSender struct {
	Logger *zap.Logger
}

// Send logs the message with a masked phone number.
func (s LogSMSSender) Send(_ context.Context, phoneNumber, message string) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("verification sms",
		zap.String("phone_number", MaskPhoneNumber(phoneNumber)),
		zap.String("message", message))
	return nil
}

// MaskPhoneNumber keeps the country code and the last four digits.
func MaskPhoneNumber(phoneNumber string) string {
	if len(phoneNumber) <= 7 {
		return strings.Repeat("*", len(phoneNumber))
	}
	return phoneNumber[:3] + strings.Repeat("*", len(phoneNumber)-7) + phoneNumber[len(phoneNumber)-4:]
}

// IDProvider issues verification identifiers.
type IDProvider interface {
	NewID() (string, error)
}

// PhoneVerifierConfig describes the dependencies of the SMS login flow.
type PhoneVerifierConfig struct {
	Database      *gorm.DB
	Sender        SMSSender
	IDProvider    IDProvider
	CodeTTL       time.Duration
	Clock         func() time.Time
	CodeGenerator func() (string, error)
	Logger        *zap.Logger
}

// PhoneVerifier runs the two-step phone number login.
type PhoneVerifier struct {
	db         *gorm.DB
	sender     SMSSender
	idProvider IDProvider
	codeTTL    time.Duration
	clock      func() time.Time
	generate   func() (string, error)
	logger     *zap.Logger
}

// NewPhoneVerifier validates dependencies and constructs the verifier.
func NewPhoneVerifier(cfg PhoneVerifierConfig) (*PhoneVerifier, error) {
	if cfg.Database == nil {
		return nil, errors.New("auth: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, errors.New("auth: id provider required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	sender := cfg.Sender
	if sender == nil {
		sender = LogSMSSender{Logger: logger}
	}
	ttl := cfg.CodeTTL
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	generate := cfg.CodeGenerator
	if generate == nil {
		generate = randomCode
	}
	return &PhoneVerifier{
		db:         cfg.Database,
		sender:     sender,
		idProvider: cfg.IDProvider,
		codeTTL:    ttl,
		clock:      clock,
		generate:   generate,
		logger:     logger,
	}, nil
}

// Start validates the number, stores a pending verification and sends the code.
func (v *PhoneVerifier) Start(ctx context.Context, phoneNumber string) (string, error) {
	phoneNumber = strings.TrimSpace(phoneNumber)
	if !brazilianMobilePattern.MatchString(phoneNumber) {
		return "", ErrInvalidPhoneNumber
	}
	code, err := v.generate()
	if err != nil {
		return "", apperr.New("auth.phone_start", "code_generation_failed", err)
	}
	verificationID, err := v.idProvider.NewID()
	if err != nil {
		return "", apperr.New("auth.phone_start", "id_generation_failed", err)
	}
	now := v.clock().UTC()
	verification := PhoneVerification{
		VerificationID:   verificationID,
		PhoneNumber:      phoneNumber,
		CodeHash:         hashCode(verificationID, code),
		ExpiresAtSeconds: now.Add(v.codeTTL).Unix(),
		CreatedAtSeconds: now.Unix(),
	}
	if err := v.db.WithContext(ctx).Create(&verification).Error; err != nil {
		v.logger.Error("phone verification insert failed", zap.Error(err))
		return "", apperr.New("auth.phone_start", "insert_failed", err)
	}
	message := fmt.Sprintf("Seu código de acesso Harbor: %s", code)
	if err := v.sender.Send(ctx, phoneNumber, message); err != nil {
		v.logger.Error("verification sms failed",
			zap.String("phone_number", MaskPhoneNumber(phoneNumber)),
			zap.Error(err))
		_ = v.db.WithContext(ctx).Where("verification_id = ?", verificationID).Delete(&PhoneVerification{}).Error
		return "", apperr.New("auth.phone_start", "sms_failed", err)
	}
	return verificationID, nil
}

// Confirm checks the code and consumes the verification, returning the verified number.
func (v *PhoneVerifier) Confirm(ctx context.Context, verificationID, code string) (string, error) {
	verificationID = strings.TrimSpace(verificationID)
	code = strings.TrimSpace(code)
	if verificationID == "" {
		return "", ErrVerificationNotFound
	}

	var phoneNumber string
	err := v.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var verification PhoneVerification
		err := tx.Where("verification_id = ?", verificationID).Take(&verification).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrVerificationNotFound
		}
		if err != nil {
			return apperr.New("auth.phone_confirm", "query_failed", err)
		}
		if v.clock().UTC().Unix() >= verification.ExpiresAtSeconds {
			return ErrVerificationExpired
		}
		if verification.Attempts >= maxConfirmAttempts {
			return ErrTooManyAttempts
		}
		expected := []byte(verification.CodeHash)
		actual := []byte(hashCode(verificationID, code))
		if subtle.ConstantTimeCompare(expected, actual) != 1 {
			return ErrInvalidCode
		}
		if err := tx.Where("verification_id = ?", verificationID).Delete(&PhoneVerification{}).Error; err != nil {
			return apperr.New("auth.phone_confirm", "delete_failed", err)
		}
		phoneNumber = verification.PhoneNumber
		return nil
	})
	// A mismatch rolls back the transaction; the attempt is counted outside it.
	if errors.Is(err, ErrInvalidCode) {
		return "", v.recordFailedAttempt(ctx, verificationID)
	}
	if err != nil {
		return "", err
	}
	return phoneNumber, nil
}

func (v *PhoneVerifier) recordFailedAttempt(ctx context.Context, verificationID string) error {
	if err := v.db.WithContext(ctx).Model(&PhoneVerification{}).
		Where("verification_id = ?", verificationID).
		Update("attempts", gorm.Expr("attempts + 1")).Error; err != nil {
		v.logger.Error("verification attempt update failed", zap.Error(err))
	}
	return ErrInvalidCode
}

// PurgeExpired removes verifications past their expiry.
func (v *PhoneVerifier) PurgeExpired(ctx context.Context) (int64, error) {
	result := v.db.WithContext(ctx).
		Where("expires_at_s <= ?", v.clock().UTC().Unix()).
		Delete(&PhoneVerification{})
	if result.Error != nil {
		return 0, apperr.New("auth.phone_purge", "delete_failed", result.Error)
	}
	return result.RowsAffected, nil
}

func hashCode(verificationID, code string) string {
	sum := sha256.Sum256([]byte(verificationID + ":" + code))
	return hex.EncodeToString(sum[:])
}

func randomCode() (string, error) {
	limit := big.NewInt(1_000_000)
	value, err := rand.Int(rand.Reader, limit)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeDigits, value.Int64()), nil
}
