// Package delivery is the notification dispatch core: validation, message building,
// provider dispatch with error classification, and outcome recording.
package delivery

import (
	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// Messages returned to callers for rejected requests.
const (
	MsgMissingEnvelope = "Invalid request: missing message or token"
	MsgMissingChat     = "Invalid request: missing token, title, or body"
	MsgMissingToken    = "Invalid request: missing recipient token"
	MsgMissingContent  = "Invalid request: missing notification or data"
)

// ValidateRequest checks the invariants of a DeliveryRequest.
func ValidateRequest(req dispatch.DeliveryRequest) error {
	if req.RecipientToken == "" {
		return &dispatch.ValidationError{Kind: dispatch.KindMissingToken, Message: MsgMissingToken}
	}
	if !HasNotification(req.Notification) && len(req.Data) == 0 {
		return &dispatch.ValidationError{Kind: dispatch.KindMissingContent, Message: MsgMissingContent}
	}
	return nil
}

// HasNotification reports whether n carries a title or a body.
func HasNotification(n *dispatch.Notification) bool {
	return n != nil && (n.Title != "" || n.Body != "")
}

// ValidateEnvelope checks the generic call's envelope. Only the envelope and its token are required;
// the provider judges the rest of the message shape.
func ValidateEnvelope(msg *messaging.Message) error {
	if msg == nil {
		return &dispatch.ValidationError{Kind: dispatch.KindMissingContent, Message: MsgMissingEnvelope}
	}
	if msg.Token == "" {
		return &dispatch.ValidationError{Kind: dispatch.KindMissingToken, Message: MsgMissingEnvelope}
	}
	return nil
}

// ValidateChat checks the chat call's required fields.
func ValidateChat(req dispatch.ChatRequest) error {
	if req.Token == "" {
		return &dispatch.ValidationError{Kind: dispatch.KindMissingToken, Message: MsgMissingChat}
	}
	if req.Title == "" || req.Body == "" {
		return &dispatch.ValidationError{Kind: dispatch.KindMissingContent, Message: MsgMissingChat}
	}
	return nil
}
