// Package dispatch contains the public domain model and ports of the push dispatch service.
package dispatch

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"firebase.google.com/go/v4/messaging"
)

// Provider error codes as reported by the push provider.
const (
	CodeInvalidToken      = "messaging/invalid-registration-token"
	CodeTokenUnregistered = "messaging/registration-token-not-registered"
	CodeInvalidArgument   = "messaging/invalid-argument"
	CodeUnknown           = "messaging/unknown-error"
)

var (
	ErrAlreadyProcessed = errors.New("record already processed")
	ErrClaimHeld        = errors.New("record claimed by another invocation")
	ErrRecordNotFound   = errors.New("record not found")
	ErrMalformedRecord  = errors.New("malformed record")
)

// ErrorKind is the closed set of failure classes a dispatch attempt can end in.
type ErrorKind int

const (
	KindNone ErrorKind = iota
	KindMissingToken
	KindMissingContent
	KindInvalidToken
	KindUnregisteredToken
	KindInvalidArgument
	KindUnknown
)

func (k ErrorKind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMissingToken:
		return "missing_token"
	case KindMissingContent:
		return "missing_content"
	case KindInvalidToken:
		return "invalid_token"
	case KindUnregisteredToken:
		return "unregistered_token"
	case KindInvalidArgument:
		return "invalid_argument"
	default:
		return "unknown"
	}
}

// StatusCode is the HTTP-equivalent severity of the kind.
func (k ErrorKind) StatusCode() int {
	switch k {
	case KindNone:
		return http.StatusOK
	case KindMissingToken, KindMissingContent, KindInvalidToken, KindInvalidArgument:
		return http.StatusBadRequest
	case KindUnregisteredToken:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether the same request may succeed if sent again.
func (k ErrorKind) Retryable() bool {
	return k == KindUnknown
}

// ProviderError is a failure reported by the push provider.
type ProviderError struct {
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Message == "" {
		return e.Code
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// ValidationError rejects a request before any provider call or record mutation.
type ValidationError struct {
	Kind    ErrorKind
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// Notification is the user-visible title/body pair.
type Notification struct {
	Title string `json:"title" firestore:"title"`
	Body  string `json:"body" firestore:"body"`
}

// DeliveryRequest is the input to a dispatch.
type DeliveryRequest struct {
	RecipientToken string
	Notification   *Notification
	Data           map[string]string
	Android        *messaging.AndroidConfig
	APNS           *messaging.APNSConfig
}

// ChatRequest is the body of the chat-specific synchronous call.
type ChatRequest struct {
	Token          string `json:"token"`
	Title          string `json:"title"`
	Body           string `json:"body"`
	ChatRoomID     string `json:"chatRoomId,omitempty"`
	SenderName     string `json:"senderName,omitempty"`
	SenderPhotoURL string `json:"senderPhotoURL,omitempty"`
}

// Outcome is the immutable result of one dispatch attempt.
type Outcome struct {
	Succeeded         bool
	ProviderMessageID string
	ErrorKind         ErrorKind
	ErrorCode         string
	ErrorDetail       string
	Timestamp         time.Time
}

// Collection describes one record collection and the field its success response is stored in.
type Collection struct {
	Name          string
	ResponseField string
}

// The two record collections watched by the asynchronous path.
var (
	NotificationRequests = Collection{Name: "notification_requests", ResponseField: "fcmResponse"}
	FCMRequests          = Collection{Name: "fcm_requests", ResponseField: "messageId"}
)

// Collections lists every watched collection.
var Collections = []Collection{NotificationRequests, FCMRequests}

// CollectionByName resolves a collection from its store name.
func CollectionByName(name string) (Collection, bool) {
	for _, c := range Collections {
		if c.Name == name {
			return c, true
		}
	}
	return Collection{}, false
}

// RecordRef addresses one NotificationRecord.
type RecordRef struct {
	Collection Collection
	ID         string
}

func (r RecordRef) String() string {
	return r.Collection.Name + "/" + r.ID
}

// NotificationRecord is a persisted unit of asynchronous work.
type NotificationRecord struct {
	To           string            `firestore:"to"`
	Notification *Notification     `firestore:"notification,omitempty"`
	Data         map[string]string `firestore:"data,omitempty"`
	Android      map[string]any    `firestore:"android,omitempty"`
	APNS         map[string]any    `firestore:"apns,omitempty"`
	Timestamp    time.Time         `firestore:"timestamp,omitempty"`
	Processed    bool              `firestore:"processed"`
	Failed       bool              `firestore:"failed,omitempty"`
	ProcessedAt  *time.Time        `firestore:"processedAt,omitempty"`
	Error        string            `firestore:"error,omitempty"`
	ClaimedBy    string            `firestore:"claimedBy,omitempty"`
	ClaimedAt    *time.Time        `firestore:"claimedAt,omitempty"`
}
