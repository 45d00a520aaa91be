// Package fcm provides the Firebase Cloud Messaging implementation of dispatch.Sender.
package fcm

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// Codes for provider failures outside the classified vocabulary; they classify as Unknown.
const (
	codeUnavailable    = "messaging/server-unavailable"
	codeQuotaExceeded  = "messaging/message-rate-exceeded"
	codeSenderID       = "messaging/mismatched-credential"
	codeThirdPartyAuth = "messaging/third-party-auth-error"
)

// MessagingClient defines the subset of the Firebase Messaging API we use.
// *messaging.Client satisfies it.
type MessagingClient interface {
	Send(ctx context.Context, msg *messaging.Message) (string, error)
	SendDryRun(ctx context.Context, msg *messaging.Message) (string, error)
}

type Sender struct {
	client MessagingClient
	dryRun bool
	logger *slog.Logger
}

// NewSender wraps a messaging client. With dryRun set, messages are validated by FCM but not delivered.
func NewSender(client MessagingClient, dryRun bool, logger *slog.Logger) *Sender {
	return &Sender{
		client: client,
		dryRun: dryRun,
		logger: logger.With("component", "FCMSender"),
	}
}

// Send delivers one message and returns the FCM message name.
// SDK failures are translated into *dispatch.ProviderError.
func (s *Sender) Send(ctx context.Context, msg *messaging.Message) (string, error) {
	var (
		id  string
		err error
	)
	if s.dryRun {
		id, err = s.client.SendDryRun(ctx, msg)
	} else {
		id, err = s.client.Send(ctx, msg)
	}
	if err != nil {
		return "", toProviderError(err)
	}
	return id, nil
}

func toProviderError(err error) error {
	var perr *dispatch.ProviderError
	if errors.As(err, &perr) {
		return err
	}

	code := dispatch.CodeUnknown
	switch {
	case messaging.IsRegistrationTokenNotRegistered(err):
		code = dispatch.CodeTokenUnregistered
	case messaging.IsInvalidArgument(err):
		// FCM v1 reports malformed tokens as INVALID_ARGUMENT; only the message tells them apart.
		if isTokenRejection(err) {
			code = dispatch.CodeInvalidToken
		} else {
			code = dispatch.CodeInvalidArgument
		}
	case messaging.IsUnavailable(err):
		code = codeUnavailable
	case messaging.IsQuotaExceeded(err):
		code = codeQuotaExceeded
	case messaging.IsSenderIDMismatch(err):
		code = codeSenderID
	case messaging.IsThirdPartyAuthError(err):
		code = codeThirdPartyAuth
	}

	return &dispatch.ProviderError{Code: code, Message: err.Error(), Err: err}
}

func isTokenRejection(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "registration token")
}
