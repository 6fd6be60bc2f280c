package mailer

import (
	"context"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"time"

	"github.com/mrz1836/postmark"
)

var (
	ErrInvalidConfig = errors.New("invalid mailer config")
	ErrSendFailed    = errors.New("failed to send email")
)

const (
	TagVerification  = "email-verification"
	TagPasswordReset = "password-reset"
)

type Message struct {
	To       string
	Subject  string
	Tag      string
	HTMLBody string
	TextBody string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

type PostmarkConfig struct {
	ServerToken  string
	AccountToken string
	From         string
	ReplyTo      string
}

type PostmarkSender struct {
	client *postmark.Client
	cfg    PostmarkConfig
}

func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, fmt.Errorf("%w: server token is required", ErrInvalidConfig)
	}
	if cfg.From == "" {
		return nil, fmt.Errorf("%w: sender address is required", ErrInvalidConfig)
	}

	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		cfg:    cfg,
	}, nil
}

func (s *PostmarkSender) Send(ctx context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("%w: empty recipient", ErrSendFailed)
	}

	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.cfg.From,
		ReplyTo:  s.cfg.ReplyTo,
		To:       msg.To,
		Subject:  msg.Subject,
		Tag:      msg.Tag,
		HTMLBody: msg.HTMLBody,
		TextBody: msg.TextBody,
	})
	if err != nil {
		return errors.Join(ErrSendFailed, err)
	}
	if resp.ErrorCode > 0 {
		return errors.Join(ErrSendFailed, fmt.Errorf("postmark error: %d - %s", resp.ErrorCode, resp.Message))
	}

	return nil
}

// LogSender writes messages to the log instead of delivering them. Used for
// local runs, where the OTP or reset link is read from the console.
type LogSender struct {
	log *slog.Logger
}

func NewLogSender(log *slog.Logger) *LogSender {
	return &LogSender{log: log}
}

func (s *LogSender) Send(_ context.Context, msg Message) error {
	if msg.To == "" {
		return fmt.Errorf("%w: empty recipient", ErrSendFailed)
	}

	s.log.Info("email",
		slog.String("to", msg.To),
		slog.String("subject", msg.Subject),
		slog.String("tag", msg.Tag),
		slog.String("body", msg.TextBody),
	)

	return nil
}

func VerificationOTP(to, code string, ttl time.Duration) Message {
	minutes := int(ttl.Minutes())
	return Message{
		To:      to,
		Subject: "Verify your email",
		Tag:     TagVerification,
		TextBody: fmt.Sprintf(
			"Your verification code is %s. It expires in %d minutes.", code, minutes),
		HTMLBody: fmt.Sprintf(
			"<p>Your verification code is <strong>%s</strong>.</p><p>It expires in %d minutes.</p>",
			html.EscapeString(code), minutes),
	}
}

func PasswordReset(to, link string, ttl time.Duration) Message {
	minutes := int(ttl.Minutes())
	return Message{
		To:      to,
		Subject: "Reset your password",
		Tag:     TagPasswordReset,
		TextBody: fmt.Sprintf(
			"Use the link below to reset your password. It expires in %d minutes.\n\n%s", minutes, link),
		HTMLBody: fmt.Sprintf(
			`<p>Use the link below to reset your password. It expires in %d minutes.</p><p><a href="%s">Reset password</a></p>`,
			minutes, html.EscapeString(link)),
	}
}
