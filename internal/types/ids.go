// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type EventID int64
type WindowID string
type DeliveryKey string

func NewWindowID() WindowID {
	return WindowID(uuid.New().String())
}

func NewDeliveryKey(parts ...string) DeliveryKey {
	return DeliveryKey(strings.Join(parts, ":"))
}
