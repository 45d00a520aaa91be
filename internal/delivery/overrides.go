package delivery

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"firebase.google.com/go/v4/messaging"
	"github.com/tinywideclouds/go-push-dispatch-service/pkg/dispatch"
)

// eventTimeLayout is the only timestamp layout the messaging types decode.
const eventTimeLayout = "2006-01-02T15:04:05.000000000Z"

type valueFunc func(v any) (any, error)

// objectShape describes one object level of a provider message. Producers write either the
// Admin SDK names (channelId, contentAvailable) or the FCM v1 names (channel_id, content-available);
// renames maps the former onto the latter, which is what the messaging types decode.
type objectShape struct {
	fields   map[string]bool
	renames  map[string]string
	values   map[string]valueFunc
	nested   map[string]*objectShape
	required []string
	// open levels may carry custom keys (the APNs payload and aps dictionary).
	open bool
}

func fieldSet(names ...string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

var (
	fcmOptionsShape = &objectShape{
		fields:  fieldSet("analytics_label"),
		renames: map[string]string{"analyticsLabel": "analytics_label"},
	}

	notificationShape = &objectShape{
		fields:  fieldSet("title", "body", "image"),
		renames: map[string]string{"imageUrl": "image"},
	}

	lightSettingsShape = &objectShape{
		fields: fieldSet("color", "light_on_duration", "light_off_duration"),
		renames: map[string]string{
			"lightOnDurationMillis":  "light_on_duration",
			"lightOffDurationMillis": "light_off_duration",
		},
		values: map[string]valueFunc{
			"color":              colorValue,
			"light_on_duration":  durationValue,
			"light_off_duration": durationValue,
		},
		required: []string{"color", "light_on_duration", "light_off_duration"},
	}

	androidNotificationShape = &objectShape{
		fields: fieldSet(
			"title", "body", "icon", "color", "sound", "tag", "click_action",
			"body_loc_key", "body_loc_args", "title_loc_key", "title_loc_args",
			"channel_id", "image", "ticker", "sticky", "event_time", "local_only",
			"notification_priority", "vibrate_timings", "default_vibrate_timings",
			"default_sound", "light_settings", "default_light_settings",
			"visibility", "notification_count", "proxy",
		),
		renames: map[string]string{
			"imageUrl":              "image",
			"clickAction":           "click_action",
			"bodyLocKey":            "body_loc_key",
			"bodyLocArgs":           "body_loc_args",
			"titleLocKey":           "title_loc_key",
			"titleLocArgs":          "title_loc_args",
			"channelId":             "channel_id",
			"eventTimestamp":        "event_time",
			"localOnly":             "local_only",
			"priority":              "notification_priority",
			"vibrateTimingsMillis":  "vibrate_timings",
			"defaultVibrateTimings": "default_vibrate_timings",
			"defaultSound":          "default_sound",
			"lightSettings":         "light_settings",
			"defaultLightSettings":  "default_light_settings",
			"notificationCount":     "notification_count",
		},
		values: map[string]valueFunc{
			"notification_priority": enumValue("PRIORITY_"),
			"visibility":            enumValue(""),
			"proxy":                 enumValue(""),
			"event_time":            eventTimeValue,
			"vibrate_timings":       durationListValue,
		},
		nested: map[string]*objectShape{"light_settings": lightSettingsShape},
	}

	androidShape = &objectShape{
		fields: fieldSet(
			"collapse_key", "priority", "ttl", "restricted_package_name",
			"data", "notification", "fcm_options", "direct_boot_ok",
		),
		renames: map[string]string{
			"collapseKey":           "collapse_key",
			"restrictedPackageName": "restricted_package_name",
			"fcmOptions":            "fcm_options",
			"directBootOk":          "direct_boot_ok",
		},
		values: map[string]valueFunc{"ttl": durationValue},
		nested: map[string]*objectShape{
			"notification": androidNotificationShape,
			"fcm_options":  fcmOptionsShape,
		},
	}

	apsAlertShape = &objectShape{
		fields: fieldSet(
			"title", "subtitle", "body", "loc-key", "loc-args", "title-loc-key", "title-loc-args",
			"subtitle-loc-key", "subtitle-loc-args", "action-loc-key", "launch-image",
		),
		renames: map[string]string{
			"locKey":          "loc-key",
			"locArgs":         "loc-args",
			"titleLocKey":     "title-loc-key",
			"titleLocArgs":    "title-loc-args",
			"subtitleLocKey":  "subtitle-loc-key",
			"subtitleLocArgs": "subtitle-loc-args",
			"actionLocKey":    "action-loc-key",
			"launchImage":     "launch-image",
		},
	}

	criticalSoundShape = &objectShape{
		fields: fieldSet("critical", "name", "volume"),
		values: map[string]valueFunc{"critical": flagValue},
	}

	apsShape = &objectShape{
		open: true,
		renames: map[string]string{
			"contentAvailable": "content-available",
			"mutableContent":   "mutable-content",
			"threadId":         "thread-id",
		},
		values: map[string]valueFunc{
			"content-available": flagValue,
			"mutable-content":   flagValue,
		},
		nested: map[string]*objectShape{
			"alert": apsAlertShape,
			"sound": criticalSoundShape,
		},
	}

	apnsPayloadShape = &objectShape{
		open:   true,
		nested: map[string]*objectShape{"aps": apsShape},
	}

	apnsShape = &objectShape{
		fields: fieldSet("headers", "payload", "fcm_options", "live_activity_token"),
		renames: map[string]string{
			"fcmOptions":        "fcm_options",
			"liveActivityToken": "live_activity_token",
		},
		nested: map[string]*objectShape{
			"payload": apnsPayloadShape,
			"fcm_options": {
				fields:  fieldSet("analytics_label", "image"),
				renames: map[string]string{"analyticsLabel": "analytics_label", "imageUrl": "image"},
			},
		},
	}

	webpushShape = &objectShape{
		fields:  fieldSet("headers", "data", "notification", "fcm_options"),
		renames: map[string]string{"fcmOptions": "fcm_options"},
		nested: map[string]*objectShape{
			"notification": {open: true},
			"fcm_options": {
				fields:  fieldSet("link", "analytics_label"),
				renames: map[string]string{"analyticsLabel": "analytics_label"},
			},
		},
	}

	messageShape = &objectShape{
		fields: fieldSet(
			"token", "topic", "condition", "notification", "data",
			"android", "apns", "webpush", "fcm_options",
		),
		renames: map[string]string{"fcmOptions": "fcm_options"},
		nested: map[string]*objectShape{
			"notification": notificationShape,
			"android":      androidShape,
			"apns":         apnsShape,
			"webpush":      webpushShape,
			"fcm_options":  fcmOptionsShape,
		},
	}
)

// DecodeMessage decodes a provider message written in either the Admin SDK or the FCM v1 shape.
// Unknown fields are rejected rather than dropped.
func DecodeMessage(raw map[string]any) (*messaging.Message, error) {
	var msg messaging.Message
	if err := decodeShaped(raw, messageShape, &msg); err != nil {
		return nil, invalidOverride("message", err)
	}
	return &msg, nil
}

func decodeAndroid(raw map[string]any) (*messaging.AndroidConfig, error) {
	var android messaging.AndroidConfig
	if err := decodeShaped(raw, androidShape, &android); err != nil {
		return nil, invalidOverride("android", err)
	}
	return &android, nil
}

func decodeAPNS(raw map[string]any) (*messaging.APNSConfig, error) {
	var apns messaging.APNSConfig
	if err := decodeShaped(raw, apnsShape, &apns); err != nil {
		return nil, invalidOverride("apns", err)
	}
	return &apns, nil
}

func decodeShaped(raw map[string]any, shape *objectShape, out any) error {
	normalised, err := normalise(raw, shape, "")
	if err != nil {
		return err
	}
	b, err := json.Marshal(normalised)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func normalise(in map[string]any, shape *objectShape, path string) (map[string]any, error) {
	out := make(map[string]any, len(in))
	for key, val := range in {
		name := key
		if v1, ok := shape.renames[key]; ok {
			name = v1
		}
		if !shape.open && !shape.fields[name] {
			return nil, fmt.Errorf("unknown field %q", path+key)
		}
		if _, dup := out[name]; dup {
			return nil, fmt.Errorf("field %q is set twice", path+name)
		}

		if conv, ok := shape.values[name]; ok {
			converted, err := conv(val)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", path+key, err)
			}
			if converted == nil {
				continue
			}
			val = converted
		}
		// Non-object values fall through to the typed decoder, which judges them.
		if child, ok := shape.nested[name]; ok {
			if m, isMap := val.(map[string]any); isMap {
				n, err := normalise(m, child, path+name+".")
				if err != nil {
					return nil, err
				}
				val = n
			}
		}
		out[name] = val
	}
	for _, req := range shape.required {
		if _, ok := out[req]; !ok {
			return nil, fmt.Errorf("missing field %q", path+req)
		}
	}
	return out, nil
}

// enumValue upper-cases an Admin SDK enum ("high") into its FCM v1 constant ("PRIORITY_HIGH").
func enumValue(prefix string) valueFunc {
	return func(v any) (any, error) {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("expected a string, got %T", v)
		}
		s = strings.ToUpper(s)
		if !strings.HasPrefix(s, prefix) {
			s = prefix + s
		}
		return s, nil
	}
}

// flagValue turns a boolean flag into the 1/absent form APNs expects.
func flagValue(v any) (any, error) {
	if b, ok := v.(bool); ok {
		if !b {
			return nil, nil
		}
		return 1, nil
	}
	return v, nil
}

// durationValue accepts FCM v1 duration strings ("3.5s") or Admin SDK milliseconds.
func durationValue(v any) (any, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	ms, ok := millis(v)
	if !ok {
		return nil, fmt.Errorf("expected a duration, got %T", v)
	}
	return durationString(ms), nil
}

func durationListValue(v any) (any, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list, got %T", v)
	}
	out := make([]any, 0, len(items))
	for _, item := range items {
		d, err := durationValue(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func eventTimeValue(v any) (any, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Format(eventTimeLayout), nil
	case string:
		parsed, err := time.Parse(time.RFC3339Nano, t)
		if err != nil {
			return nil, err
		}
		return parsed.UTC().Format(eventTimeLayout), nil
	}
	return nil, fmt.Errorf("expected a timestamp, got %T", v)
}

// colorValue turns "#RRGGBB" or "#RRGGBBAA" into the FCM v1 color object.
func colorValue(v any) (any, error) {
	s, ok := v.(string)
	if !ok {
		return v, nil
	}
	if !strings.HasPrefix(s, "#") || (len(s) != 7 && len(s) != 9) {
		return nil, fmt.Errorf("color %q is not in #RRGGBB[AA] format", s)
	}
	channels := []float64{0, 0, 0, 1}
	for i := 0; i < (len(s)-1)/2; i++ {
		c, err := strconv.ParseUint(s[1+2*i:3+2*i], 16, 8)
		if err != nil {
			return nil, fmt.Errorf("color %q: %w", s, err)
		}
		channels[i] = float64(c) / 255.0
	}
	return map[string]any{
		"red":   channels[0],
		"green": channels[1],
		"blue":  channels[2],
		"alpha": channels[3],
	}, nil
}

func millis(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	}
	return 0, false
}

func durationString(ms float64) string {
	d := time.Duration(ms * float64(time.Millisecond))
	seconds := int64(d / time.Second)
	nanos := int64(d % time.Second)
	if nanos > 0 {
		return fmt.Sprintf("%d.%09ds", seconds, nanos)
	}
	return fmt.Sprintf("%ds", seconds)
}

func invalidOverride(block string, err error) error {
	return &dispatch.ValidationError{
		Kind:    dispatch.KindInvalidArgument,
		Message: fmt.Sprintf("Invalid request: malformed %s block: %v", block, err),
	}
}
