package event

import (
	"encoding/json"
	"fmt"
)

// ParseEventType accepts the names produced by EventType.String
func ParseEventType(s string) (EventType, error) {
	for et := EventTypeMarketCreated; et <= EventTypeAllowanceApproved; et++ {
		if et.String() == s {
			return et, nil
		}
	}
	return EventTypeUnknown, fmt.Errorf("unknown event type %q", s)
}

// New returns an empty payload for the event type
func New(et EventType) (Event, error) {
	switch et {
	case EventTypeMarketCreated:
		return &MarketCreated{}, nil
	case EventTypeTradePlaced:
		return &TradePlaced{}, nil
	case EventTypeFeeCollected:
		return &FeeCollected{}, nil
	case EventTypeMarketResolved:
		return &MarketResolved{}, nil
	case EventTypeMarketCancelled:
		return &MarketCancelled{}, nil
	case EventTypePositionClaimed:
		return &PositionClaimed{}, nil
	case EventTypeFeeUpdated:
		return &FeeUpdated{}, nil
	case EventTypeFeeRecipientUpdated:
		return &FeeRecipientUpdated{}, nil
	case EventTypeAssetRescued:
		return &AssetRescued{}, nil
	case EventTypeCollateralMinted:
		return &CollateralMinted{}, nil
	case EventTypeAllowanceApproved:
		return &AllowanceApproved{}, nil
	}
	return nil, fmt.Errorf("unknown event type %d", et)
}

// Decode rebuilds a payload stored in the event log
func Decode(eventType string, payload []byte) (Event, error) {
	et, err := ParseEventType(eventType)
	if err != nil {
		return nil, err
	}
	evt, err := New(et)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(payload, evt); err != nil {
		return nil, fmt.Errorf("decode %s: %w", eventType, err)
	}
	return evt, nil
}
