package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/internal/delivery"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// TimestampLayout is the ISO-8601 layout used in every response body.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

// DispatchAPI serves the synchronous send endpoints.
type DispatchAPI struct {
	Builder    *delivery.Builder
	Dispatcher *delivery.Dispatcher
	Logger     *slog.Logger
	now        func() time.Time
}

func NewDispatchAPI(builder *delivery.Builder, dispatcher *delivery.Dispatcher, logger *slog.Logger) *DispatchAPI {
	return &DispatchAPI{
		Builder:    builder,
		Dispatcher: dispatcher,
		Logger:     logger.With("component", "DispatchAPI"),
		now:        time.Now,
	}
}

// SendRequest is the body of the generic endpoint. The message may use Admin SDK or FCM v1 field names.
type SendRequest struct {
	Message map[string]any `json:"message"`
}

type SendResponse struct {
	Success   bool   `json:"success"`
	MessageID string `json:"messageId"`
	Timestamp string `json:"timestamp"`
}

type ChatResponse struct {
	Success    bool   `json:"success"`
	MessageID  string `json:"messageId"`
	Timestamp  string `json:"timestamp"`
	ChatRoomID string `json:"chatRoomId,omitempty"`
}

type ValidationErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

type SendErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details string `json:"details"`
}

type ChatErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	Timestamp string `json:"timestamp"`
}

// SendNotification handles POST /sendNotification.
func (api *DispatchAPI) SendNotification(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Warn("SendNotification: JSON Decode failed", "err", err)
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Error: delivery.MsgMissingEnvelope})
		return
	}

	var envelope *messaging.Message
	if req.Message != nil {
		decoded, err := delivery.DecodeMessage(req.Message)
		if err != nil {
			api.writeValidationError(w, err)
			return
		}
		envelope = decoded
	}
	if err := delivery.ValidateEnvelope(envelope); err != nil {
		api.writeValidationError(w, err)
		return
	}

	msg := api.Builder.FromEnvelope(envelope)
	outcome := api.Dispatcher.Dispatch(r.Context(), msg)
	if outcome.Succeeded {
		writeJSON(w, http.StatusOK, SendResponse{
			Success:   true,
			MessageID: outcome.ProviderMessageID,
			Timestamp: outcome.Timestamp.Format(TimestampLayout),
		})
		return
	}

	status, message := genericFailure(outcome.ErrorKind)
	writeJSON(w, status, SendErrorResponse{
		Error:   message,
		Code:    outcome.ErrorCode,
		Details: outcome.ErrorDetail,
	})
}

// SendChatNotification handles POST /sendChatNotification.
func (api *DispatchAPI) SendChatNotification(w http.ResponseWriter, r *http.Request) {
	var req dispatch.ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		api.Logger.Warn("SendChatNotification: JSON Decode failed", "err", err)
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Error: delivery.MsgMissingChat})
		return
	}

	if err := delivery.ValidateChat(req); err != nil {
		api.writeValidationError(w, err)
		return
	}

	api.Logger.Info("Sending chat notification", "chat_room_id", req.ChatRoomID)
	msg := api.Builder.BuildChat(req)
	outcome := api.Dispatcher.Dispatch(r.Context(), msg)
	if outcome.Succeeded {
		writeJSON(w, http.StatusOK, ChatResponse{
			Success:    true,
			MessageID:  outcome.ProviderMessageID,
			Timestamp:  outcome.Timestamp.Format(TimestampLayout),
			ChatRoomID: req.ChatRoomID,
		})
		return
	}

	writeJSON(w, outcome.ErrorKind.StatusCode(), ChatErrorResponse{
		Error:     chatFailureMessage(outcome),
		Code:      outcome.ErrorCode,
		Timestamp: api.now().UTC().Format(TimestampLayout),
	})
}

func (api *DispatchAPI) writeValidationError(w http.ResponseWriter, err error) {
	var verr *dispatch.ValidationError
	if !errors.As(err, &verr) {
		writeJSON(w, http.StatusBadRequest, ValidationErrorResponse{Error: err.Error()})
		return
	}
	api.Logger.Warn("Rejected invalid request", "kind", verr.Kind.String())
	writeJSON(w, verr.Kind.StatusCode(), ValidationErrorResponse{Error: verr.Message, Code: verr.Kind.String()})
}

// genericFailure maps a failure kind onto the generic endpoint's status and message.
// Every classified kind is a client error on this endpoint, including stale tokens.
func genericFailure(kind dispatch.ErrorKind) (int, string) {
	switch kind {
	case dispatch.KindInvalidToken:
		return http.StatusBadRequest, "Invalid FCM token"
	case dispatch.KindUnregisteredToken:
		return http.StatusBadRequest, "FCM token not registered"
	case dispatch.KindInvalidArgument:
		return http.StatusBadRequest, "Invalid FCM message format"
	default:
		return http.StatusInternalServerError, "Unknown error"
	}
}

func chatFailureMessage(outcome dispatch.Outcome) string {
	switch outcome.ErrorKind {
	case dispatch.KindInvalidToken:
		return "Invalid FCM token"
	case dispatch.KindUnregisteredToken:
		return "FCM token not registered"
	}
	if outcome.ErrorDetail != "" {
		return outcome.ErrorDetail
	}
	return "Unknown error"
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
