// Package api defines the JSON frames exchanged between editor windows and the relay.
package api

import (
	"encoding/json"
	"fmt"
	"strings"
)

// EventType names a server-pushed lock event.
type EventType string

const (
	// EventAllLockedItems carries a full snapshot of every item currently locked in an account.
	EventAllLockedItems EventType = "ALL_LOCKED_ITEMS"
	// EventItemLocked announces that a window holds (or renewed) the lock on an item.
	EventItemLocked EventType = "ITEM_LOCKED"
	// EventOverrideItemLock announces that a window forcibly took the lock on an item.
	EventOverrideItemLock EventType = "OVERRIDE_ITEM_LOCK"
	// EventItemReleased announces that an item is no longer locked.
	EventItemReleased EventType = "ITEM_RELEASED"
)

// RequestType names an outbound request sent to the notification relay.
type RequestType string

const (
	// RequestSubscribe starts delivery of events for a routing key.
	RequestSubscribe RequestType = "SUBSCRIBE"
	// RequestUnsubscribe stops delivery of events for a routing key.
	RequestUnsubscribe RequestType = "UNSUBSCRIBE"
	// RequestLockItem acquires or renews the lock on an item.
	RequestLockItem RequestType = "LOCK_ITEM"
	// RequestReleaseItem gives up the lock on an item.
	RequestReleaseItem RequestType = "RELEASE_ITEM"
	// RequestOverrideItemLock takes the lock on an item regardless of its holder.
	RequestOverrideItemLock RequestType = "OVERRIDE_ITEM_LOCK"
)

// RoutingKeyAccount scopes events to every window of an account.
const RoutingKeyAccount = "ACCOUNT"

// ReasonLockOverridden is the redirection reason attached by the relay when a
// lock holder is displaced by an override.
const ReasonLockOverridden = "LOCK_OVERRIDDEN"

// RoutingKey addresses a fan-out group on the notification channel.
type RoutingKey struct {
	// Type is the routing key kind, currently always ACCOUNT.
	Type string `json:"type"`
	// Value is the account identifier.
	Value string `json:"value"`
}

// AccountKey returns the routing key for accountID.
func AccountKey(accountID string) RoutingKey {
	return RoutingKey{Type: RoutingKeyAccount, Value: accountID}
}

// Validate reports whether the routing key is usable.
func (k RoutingKey) Validate() error {
	if k.Type != RoutingKeyAccount {
		return fmt.Errorf("routing key: unsupported type %q", k.Type)
	}
	if strings.TrimSpace(k.Value) == "" {
		return fmt.Errorf("routing key: value is required")
	}
	return nil
}

// Topic renders the routing key as a broker topic name.
func (k RoutingKey) Topic() string {
	return "editlock." + strings.ToLower(k.Type) + "." + k.Value
}

func (k RoutingKey) String() string {
	return k.Type + ":" + k.Value
}

// User identifies the person holding a lock.
type User struct {
	ID          string `json:"id"`
	Login       string `json:"login"`
	DisplayName string `json:"displayName"`
}

// RedirectionPolicy tells a window to navigate away from an item.
type RedirectionPolicy struct {
	// TargetItemID is the item the redirection concerns.
	TargetItemID string `json:"targetItemId"`
	// RedirectCollectionID is the collection to navigate to. "/" means the
	// root collection and ".." the active collection. Empty falls back to
	// the browse root.
	RedirectCollectionID string `json:"redirectCollectionId,omitempty"`
	// RestrictRedirectionToComposer limits the redirection to windows showing the composer.
	RestrictRedirectionToComposer bool `json:"restrictRedirectionToComposer,omitempty"`
	// Reason is an optional code shown to the user as an informational banner.
	Reason string `json:"reason,omitempty"`
}

// LockedItem is one entry of an ALL_LOCKED_ITEMS snapshot and the body of ITEM_LOCKED.
type LockedItem struct {
	ItemID                 string             `json:"itemId"`
	User                   User               `json:"user"`
	WindowID               string             `json:"windowId"`
	LockVisibleByInitiator bool               `json:"lockVisibleByInitiator"`
	LockedAtUnix           int64              `json:"lockedAtUnix,omitempty"`
	RedirectionPolicy      *RedirectionPolicy `json:"redirectionPolicy,omitempty"`
}

// AllLockedItems is the body of ALL_LOCKED_ITEMS.
type AllLockedItems struct {
	Edits []LockedItem `json:"edits"`
}

// ItemReleased is the body of ITEM_RELEASED.
type ItemReleased struct {
	ItemID            string             `json:"itemId"`
	RedirectionPolicy *RedirectionPolicy `json:"redirectionPolicy,omitempty"`
}

// LockItemRequest is the body of LOCK_ITEM.
type LockItemRequest struct {
	ItemID                 string `json:"itemId"`
	User                   User   `json:"user"`
	WindowID               string `json:"windowId"`
	LockVisibleByInitiator bool   `json:"lockVisibleByInitiator,omitempty"`
}

// ReleaseItemRequest is the body of RELEASE_ITEM.
type ReleaseItemRequest struct {
	ItemID   string `json:"itemId"`
	UserID   string `json:"userId"`
	WindowID string `json:"windowId"`
}

// OverrideItemLockRequest is the body of an outbound OVERRIDE_ITEM_LOCK.
type OverrideItemLockRequest struct {
	ItemID                 string `json:"itemId"`
	User                   User   `json:"user"`
	WindowID               string `json:"windowId"`
	LockVisibleByInitiator bool   `json:"lockVisibleByInitiator,omitempty"`
	// RedirectCollectionID is where the displaced window should be sent.
	RedirectCollectionID string `json:"redirectCollectionId,omitempty"`
}

// Event is a server-pushed frame.
type Event struct {
	Type       EventType       `json:"type"`
	RoutingKey RoutingKey      `json:"routingKey"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// Request is a client-sent frame.
type Request struct {
	Type       RequestType     `json:"type"`
	RoutingKey RoutingKey      `json:"routingKey"`
	Body       json.RawMessage `json:"body,omitempty"`
}

// ErrorFrame is sent by the relay when a request is rejected.
type ErrorFrame struct {
	Type   string `json:"type"`
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// ErrorFrameType marks an ErrorFrame on the wire.
const ErrorFrameType = "ERROR"

// NewEvent encodes body into an Event.
func NewEvent(kind EventType, key RoutingKey, body any) (Event, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Event{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	return Event{Type: kind, RoutingKey: key, Body: raw}, nil
}

// NewRequest encodes body into a Request. A nil body produces an empty body.
func NewRequest(kind RequestType, key RoutingKey, body any) (Request, error) {
	req := Request{Type: kind, RoutingKey: key}
	if body == nil {
		return req, nil
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return Request{}, fmt.Errorf("encode %s body: %w", kind, err)
	}
	req.Body = raw
	return req, nil
}

// DecodeBody unmarshals the event body into v.
func (e Event) DecodeBody(v any) error {
	if len(e.Body) == 0 {
		return fmt.Errorf("%s: empty body", e.Type)
	}
	if err := json.Unmarshal(e.Body, v); err != nil {
		return fmt.Errorf("%s: decode body: %w", e.Type, err)
	}
	return nil
}

// DecodeBody unmarshals the request body into v.
func (r Request) DecodeBody(v any) error {
	if len(r.Body) == 0 {
		return fmt.Errorf("%s: empty body", r.Type)
	}
	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("%s: decode body: %w", r.Type, err)
	}
	return nil
}
