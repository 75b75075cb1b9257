// Package breezer defines the device capability consumed by the session
// layer: a thin request/response codec over one GATT link to a Tion
// ventilation unit. Implementations live in subpackages (see goble) and are
// selected once at construction via the factory in breezerfactory.
package breezer

import (
	"context"
	"errors"
)

// RawSnapshot is the field mapping decoded from one device response.
// Keys are the wire-level field names (state, heating, heater, heater_temp,
// in_temp, out_temp, fan_speed, filter_remain, mode).
type RawSnapshot map[string]interface{}

// Fields is a set of requested field changes submitted with Set.
type Fields map[string]interface{}

// Status reflects the low-level link state as reported by the transport.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
)

// ErrTooManyTries is returned by Get/Set when the device kept rejecting or
// dropping request frames. It is distinguishable from generic I/O errors so
// the session can attempt a single inline re-prime before giving up.
var ErrTooManyTries = errors.New("too many tries")

// Breezer is a single physical GATT session to one device. Implementations
// assume a ready, discovered connection for Get/Set and offer no retry or
// recovery logic of their own; that is the session layer's job.
//
// Connect must be safe to call again after a failed attempt. Disconnect is
// best-effort and must be safe to call when not connected.
type Breezer interface {
	Address() string
	Connect(ctx context.Context) error
	Disconnect() error
	Get(ctx context.Context) (RawSnapshot, error)
	Set(ctx context.Context, fields Fields) (RawSnapshot, error)
}

// StatusReporter is optionally implemented by links that expose their
// low-level connection state. The session polls it briefly after Connect
// before priming.
type StatusReporter interface {
	ConnectionStatus() Status
}

// Factory creates a fresh Breezer for one device. The session calls it once
// at construction and again on every hard reset, so implementations must
// return a brand-new instance each time.
type Factory func() (Breezer, error)
