// Package claim manages exclusive access to devices. The actual grant
// and revoke are delegated to an exclusive-access provider, normally an
// out-of-process privileged helper; this package owns the per-device
// state machine and the at-most-one-holder invariant.
package claim

import (
	"context"
	"errors"
	"fmt"

	"github.com/beriberikix/usbipd-go/usb"
)

// State of one device's claim lifecycle.
type State int

const (
	StateUnclaimed State = iota
	StateClaiming
	StateClaimed
	StateReleasing
	StateClaimFailed
)

var stateNames = map[State]string{
	StateUnclaimed:   "unclaimed",
	StateClaiming:    "claiming",
	StateClaimed:     "claimed",
	StateReleasing:   "releasing",
	StateClaimFailed: "claim failed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Code classifies a claim failure.
type Code int

const (
	CodeAlreadyClaimed Code = iota
	CodePermissionDenied
	CodeProviderUnavailable
)

var codeNames = map[Code]string{
	CodeAlreadyClaimed:      "already claimed",
	CodePermissionDenied:    "permission denied",
	CodeProviderUnavailable: "provider unavailable",
}

func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("Code(%d)", int(c))
}

// Error is a typed claim failure.
type Error struct {
	Code  Code
	BusID string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("claim %s: %s: %v", e.BusID, e.Code, e.Err)
	}
	return fmt.Sprintf("claim %s: %s", e.BusID, e.Code)
}

func (e *Error) Unwrap() error { return e.Err }

// Provider-level failure sentinels. Providers return these; the manager
// folds them into typed Errors.
var (
	ErrProviderUnavailable = errors.New("claim: exclusive-access provider unavailable")
	ErrPermissionDenied    = errors.New("claim: permission denied by provider")
	ErrDeviceBusy          = errors.New("claim: device held by another consumer")
)

// Provider grants and revokes exclusive device access. It may be backed
// by an out-of-process privileged helper and can become unavailable at
// any time.
type Provider interface {
	Claim(ctx context.Context, busID string) error
	Release(ctx context.Context, busID string) error
	Health(ctx context.Context) error
}

// Handle represents exclusive ownership of one device by exactly one
// session. It carries the open hardware handle transfers run against.
type Handle struct {
	busID   string
	session uint32
	device  usb.DeviceHandle
}

// BusID of the claimed device.
func (h *Handle) BusID() string { return h.busID }

// Session that owns the claim.
func (h *Handle) Session() uint32 { return h.session }

// Device returns the open hardware handle. After a forced release the
// handle is closed and transfers against it fail as not-available.
func (h *Handle) Device() usb.DeviceHandle { return h.device }

// Event reports a claim lost outside a session's own control, such as
// loss of the privileged provider.
type Event struct {
	BusID   string
	Session uint32
	Reason  string
}
