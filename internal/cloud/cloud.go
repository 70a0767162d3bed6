// Package cloud adapts a hosted document database to the device session
// layer. The cloud holds the roster of record: per-user device documents
// plus a device-order scalar on the user document. Live state never
// lives here, only the durable slices other clients need.
package cloud

import (
	"context"
	"errors"

	"lumibot-session/internal/device"
)

// ErrNotFound is returned when a requested document does not exist.
var ErrNotFound = errors.New("document not found")

// Document is one device document: the roster record plus the persisted
// state slices that sync across clients.
type Document struct {
	device.Record
	Config       map[string]any        `json:"config,omitempty" dynamodbav:"config,omitempty"`
	SleepHistory []device.SleepSession `json:"sleepHistory,omitempty" dynamodbav:"sleepHistory,omitempty"`
	IsSleeping   *bool                 `json:"isSleeping,omitempty" dynamodbav:"isSleeping,omitempty"`
	SleepStart   *int64                `json:"sleepStart,omitempty" dynamodbav:"sleepStart,omitempty"`
}

// Store is the document store as the session layer sees it.
//
// Every ID a Store returns is normalized; every ID it accepts must be.
// Subscription callbacks deliver full snapshots; a deleted device
// document is reported as a nil Document.
type Store interface {
	ListDevices(ctx context.Context, userID string) ([]Document, error)
	GetDevice(ctx context.Context, userID, id string) (*Document, error)
	AddDevice(ctx context.Context, userID string, doc Document) error
	// RemoveDevice deletes the document and succeeds only after a
	// follow-up existence check confirms it is gone.
	RemoveDevice(ctx context.Context, userID, id string) error
	// UpdateDevice is an upsert with merge semantics: patch keys
	// overwrite, unspecified attributes persist, and the document is
	// created when absent.
	UpdateDevice(ctx context.Context, userID, id string, patch map[string]any) error

	SaveDeviceOrder(ctx context.Context, userID string, order []string) error
	GetDeviceOrder(ctx context.Context, userID string) ([]string, error)

	SubscribeToDevices(userID string, fn func([]Document)) (unsubscribe func())
	SubscribeToDevice(userID, id string, fn func(*Document)) (unsubscribe func())
}
