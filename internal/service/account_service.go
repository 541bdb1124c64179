package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/spec-kit/support-relay/internal/auth"
	"github.com/spec-kit/support-relay/internal/config"
	"github.com/spec-kit/support-relay/internal/directory"
	"github.com/spec-kit/support-relay/internal/domain"
	"github.com/spec-kit/support-relay/internal/mail"
	"github.com/spec-kit/support-relay/internal/repository"
	apperrors "github.com/spec-kit/support-relay/pkg/util"
)

// AccountDirectory is the slice of the backend directory account linking needs.
type AccountDirectory interface {
	GetSubject(ctx context.Context, uuid string) (*directory.Subject, error)
	GetByEmail(ctx context.Context, email string) (*directory.Subject, error)
	UpdateTelegramID(ctx context.Context, uuid string, telegramID int64) error
}

// AccountService links chat users to directory subjects through emailed
// one-time codes and issues session tokens for the mini app.
type AccountService struct {
	links     repository.UserLinkRepository
	directory AccountDirectory
	redis     *redis.Client
	mailer    mail.Sender
	tokens    *auth.TokenManager
	logger    *zap.Logger
	cfg       config.AuthConfig

	supportChatID int64
}

// AccountDependencies bundles collaborators for the account service.
type AccountDependencies struct {
	LinkRepo      repository.UserLinkRepository
	Directory     AccountDirectory
	Redis         *redis.Client
	Mailer        mail.Sender
	Tokens        *auth.TokenManager
	Logger        *zap.Logger
	Auth          config.AuthConfig
	SupportChatID int64
}

// NewAccountService wires the account service.
func NewAccountService(deps AccountDependencies) *AccountService {
	return &AccountService{
		links:         deps.LinkRepo,
		directory:     deps.Directory,
		redis:         deps.Redis,
		mailer:        deps.Mailer,
		tokens:        deps.Tokens,
		logger:        deps.Logger,
		cfg:           deps.Auth,
		supportChatID: deps.SupportChatID,
	}
}

type otpRecord struct {
	Email string `json:"email"`
	Hash  string `json:"hash"`
}

func otpKey(userID int64) string {
	return fmt.Sprintf("otp:%d", userID)
}

// RequestOTP emails a one-time code to the address if a subject exists for it.
func (s *AccountService) RequestOTP(ctx context.Context, userID int64, email string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || !strings.Contains(email, "@") {
		return apperrors.NewValidationError("invalid email", nil)
	}

	if _, err := s.directory.GetByEmail(ctx, email); err != nil {
		if err == directory.ErrSubjectNotFound {
			return apperrors.NewNotFound("subscription", map[string]any{"email": email})
		}
		return apperrors.NewTransient("directory lookup failed", err)
	}

	code, err := auth.GenerateOTP()
	if err != nil {
		return err
	}
	hash, err := auth.HashOTP(code, s.cfg.BcryptCost)
	if err != nil {
		return err
	}

	record, err := json.Marshal(otpRecord{Email: email, Hash: hash})
	if err != nil {
		return err
	}
	ttl := time.Duration(s.cfg.OTPTTLMinutes) * time.Minute
	if err := s.redis.Set(ctx, otpKey(userID), record, ttl).Err(); err != nil {
		return apperrors.NewTransient("code storage failed", err)
	}

	body := fmt.Sprintf("Your verification code is: %s\n\nIt expires in %d minutes.", code, s.cfg.OTPTTLMinutes)
	if err := s.mailer.Send(email, "Verification code", body); err != nil {
		return apperrors.NewTransient("code delivery failed", err)
	}
	s.logger.Info("otp sent", zap.Int64("user_id", userID))
	return nil
}

// VerifyOTP checks the code, binds the chat user to the subject, and issues
// a session token.
func (s *AccountService) VerifyOTP(ctx context.Context, userID int64, code string) (string, time.Time, error) {
	raw, err := s.redis.Get(ctx, otpKey(userID)).Bytes()
	if err == redis.Nil {
		return "", time.Time{}, apperrors.NewUnauthorized("code expired or never requested")
	}
	if err != nil {
		return "", time.Time{}, apperrors.NewTransient("code lookup failed", err)
	}

	var record otpRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return "", time.Time{}, err
	}
	if err := auth.CompareOTP(record.Hash, strings.TrimSpace(code)); err != nil {
		return "", time.Time{}, apperrors.NewUnauthorized("invalid code")
	}

	subject, err := s.directory.GetByEmail(ctx, record.Email)
	if err != nil {
		return "", time.Time{}, apperrors.NewTransient("directory lookup failed", err)
	}
	if err := s.directory.UpdateTelegramID(ctx, subject.UUID, userID); err != nil {
		s.logger.Warn("telegram id update failed",
			zap.String("subject", subject.UUID),
			zap.Error(err))
	}
	if err := s.links.Upsert(ctx, &domain.UserLink{
		UserID:      userID,
		ChannelID:   s.supportChatID,
		SubjectUUID: subject.UUID,
		Email:       record.Email,
	}); err != nil {
		return "", time.Time{}, err
	}
	s.redis.Del(ctx, otpKey(userID))

	return s.tokens.GenerateToken(userID, subject.UUID)
}

// LinkedSubject resolves the directory subject bound to a chat user.
func (s *AccountService) LinkedSubject(ctx context.Context, userID int64) (*directory.Subject, error) {
	link, err := s.links.GetByUser(ctx, userID, s.supportChatID)
	if err != nil {
		return nil, err
	}
	if link == nil {
		return nil, apperrors.NewNotFound("linked subscription", map[string]any{"user_id": userID})
	}
	subject, err := s.directory.GetSubject(ctx, link.SubjectUUID)
	if err != nil {
		if err == directory.ErrSubjectNotFound {
			return nil, apperrors.NewNotFound("subscription", map[string]any{"subject": link.SubjectUUID})
		}
		return nil, apperrors.NewTransient("directory lookup failed", err)
	}
	return subject, nil
}
