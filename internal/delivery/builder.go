package delivery

import (
	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

const (
	DefaultChannelID = "default_notifications"
	defaultSound     = "default"
	clickAction      = "FLUTTER_NOTIFICATION_CLICK"
)

// Profile holds the per-entry-point constants stamped on a built message.
type Profile struct {
	ChannelID   string
	ClickAction string
	Category    string
	// Type is written to data["type"] when set.
	Type string
}

// ChatProfile is used by the chat-specific entry point.
var ChatProfile = Profile{
	ChannelID:   "chat_messages",
	ClickAction: clickAction,
	Category:    "CHAT_MESSAGE",
	Type:        "chat_message",
}

// Builder turns validated requests into provider messages. It holds no mutable state.
type Builder struct {
	defaults Profile
}

// NewBuilder creates a Builder whose default profile uses the given Android channel.
func NewBuilder(channelID string) *Builder {
	if channelID == "" {
		channelID = DefaultChannelID
	}
	return &Builder{defaults: Profile{ChannelID: channelID}}
}

// DefaultProfile is the profile used for generic and record-driven requests.
func (b *Builder) DefaultProfile() Profile {
	return b.defaults
}

// Build maps a DeliveryRequest onto a provider message, filling absent platform blocks.
func (b *Builder) Build(req dispatch.DeliveryRequest, p Profile) *messaging.Message {
	msg := &messaging.Message{
		Token:   req.RecipientToken,
		Data:    mergeData(req.Data, p.Type),
		Android: req.Android,
		APNS:    req.APNS,
	}
	if HasNotification(req.Notification) {
		msg.Notification = &messaging.Notification{
			Title: req.Notification.Title,
			Body:  req.Notification.Body,
		}
	}
	applyPlatformDefaults(msg, p)
	return msg
}

// FromEnvelope normalises a raw provider message received by the generic call.
// The caller's message is not modified.
func (b *Builder) FromEnvelope(env *messaging.Message) *messaging.Message {
	msg := *env
	msg.Data = mergeData(env.Data, "")
	applyPlatformDefaults(&msg, b.defaults)
	return &msg
}

// BuildChat builds the message for the chat-specific call.
func (b *Builder) BuildChat(req dispatch.ChatRequest) *messaging.Message {
	data := map[string]string{
		"chatRoomId":   req.ChatRoomID,
		"senderName":   req.SenderName,
		"click_action": clickAction,
	}
	if req.SenderPhotoURL != "" {
		data["senderPhotoURL"] = req.SenderPhotoURL
	}
	return b.Build(dispatch.DeliveryRequest{
		RecipientToken: req.Token,
		Notification:   &dispatch.Notification{Title: req.Title, Body: req.Body},
		Data:           data,
	}, ChatProfile)
}

// RequestFromRecord converts a stored record into a DeliveryRequest.
// Platform blocks may use Admin SDK or FCM v1 field names; unknown fields are rejected.
func RequestFromRecord(rec *dispatch.NotificationRecord) (dispatch.DeliveryRequest, error) {
	req := dispatch.DeliveryRequest{
		RecipientToken: rec.To,
		Notification:   rec.Notification,
		Data:           rec.Data,
	}
	if len(rec.Android) > 0 {
		android, err := decodeAndroid(rec.Android)
		if err != nil {
			return req, err
		}
		req.Android = android
	}
	if len(rec.APNS) > 0 {
		apns, err := decodeAPNS(rec.APNS)
		if err != nil {
			return req, err
		}
		req.APNS = apns
	}
	return req, nil
}

func applyPlatformDefaults(msg *messaging.Message, p Profile) {
	// Data-only messages stay silent.
	if msg.Notification == nil {
		return
	}
	if msg.Android == nil {
		msg.Android = &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID:   p.ChannelID,
				Priority:    messaging.PriorityHigh,
				Sound:       defaultSound,
				ClickAction: p.ClickAction,
			},
		}
	}
	if msg.APNS == nil {
		badge := 1
		msg.APNS = &messaging.APNSConfig{
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Alert: &messaging.ApsAlert{
						Title: msg.Notification.Title,
						Body:  msg.Notification.Body,
					},
					Badge:    &badge,
					Sound:    defaultSound,
					Category: p.Category,
				},
			},
		}
	}
}

func mergeData(src map[string]string, typ string) map[string]string {
	if len(src) == 0 && typ == "" {
		return nil
	}
	out := make(map[string]string, len(src)+1)
	for k, v := range src {
		out[k] = v
	}
	if typ != "" {
		out["type"] = typ
	}
	return out
}
