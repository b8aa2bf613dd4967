package signal

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrUnknownKind = errors.New("unknown signal kind")

// Envelope is the wire shape shared with browser panels.
type Envelope struct {
	Type    Kind            `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func Encode(e Event) ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal %s: %w", e.Kind(), err)
	}
	return json.Marshal(Envelope{Type: e.Kind(), Payload: payload})
}

func Decode(data []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	return DecodePayload(env.Type, env.Payload)
}

// DecodePayload builds the variant named by kind from its JSON payload.
func DecodePayload(kind Kind, payload json.RawMessage) (Event, error) {
	var target Event
	switch kind {
	case KindSelectDistrict:
		target = &SelectDistrict{}
	case KindFlyToCoordinates:
		target = &FlyToCoordinates{}
	case KindFlyToPin:
		target = &FlyToPin{}
	case KindFlyToArea:
		target = &FlyToArea{}
	case KindHighlightPin:
		target = &HighlightPin{}
	case KindRefreshPins:
		target = &RefreshPins{}
	case KindStartNavigation:
		target = &StartNavigation{}
	case KindScrollToPost:
		target = &ScrollToPost{}
	case KindOpenThreadPanel:
		return OpenThreadPanel{}, nil
	case KindDistrictSelected:
		target = &DistrictSelected{}
	case KindPinClicked:
		target = &PinClicked{}
	case KindPinPlaced:
		target = &PinPlaced{}
	case KindRouteChanged:
		target = &RouteChanged{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, target); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
	}
	return deref(target), nil
}

func deref(e Event) Event {
	switch v := e.(type) {
	case *SelectDistrict:
		return *v
	case *FlyToCoordinates:
		return *v
	case *FlyToPin:
		return *v
	case *FlyToArea:
		return *v
	case *HighlightPin:
		return *v
	case *RefreshPins:
		return *v
	case *StartNavigation:
		return *v
	case *ScrollToPost:
		return *v
	case *DistrictSelected:
		return *v
	case *PinClicked:
		return *v
	case *PinPlaced:
		return *v
	case *RouteChanged:
		return *v
	}
	return e
}
