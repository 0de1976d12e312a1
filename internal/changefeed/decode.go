package changefeed

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/BuzzLyutic/shadowflow/internal/model"
)

var ErrMalformedEvent = errors.New("malformed change event")

// Decode turns one feed payload ({eventType, new, old}) into a typed event.
// An old row without an id is treated as absent, since producers that do not
// keep full before-images send an empty object.
func Decode(payload []byte) (model.ChangeEvent, error) {
	var ev model.ChangeEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return ev, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if !ev.Kind.Valid() {
		return ev, fmt.Errorf("%w: unknown eventType %q", ErrMalformedEvent, ev.Kind)
	}

	if ev.Old != nil && ev.Old.ID == "" {
		ev.Old = nil
	}
	if ev.New != nil && ev.New.ID == "" {
		ev.New = nil
	}

	switch ev.Kind {
	case model.EventInsert, model.EventUpdate:
		if ev.New == nil {
			return ev, fmt.Errorf("%w: %s without new row", ErrMalformedEvent, ev.Kind)
		}
		if ev.Old != nil && ev.Old.ID != ev.New.ID {
			return ev, fmt.Errorf("%w: old and new rows differ in id", ErrMalformedEvent)
		}
	case model.EventDelete:
		if ev.Old == nil {
			return ev, fmt.Errorf("%w: DELETE without old row id", ErrMalformedEvent)
		}
		ev.New = nil
	}
	return ev, nil
}
