// Package validate decides whether an incoming event is well formed.
//
// The engine treats any non-nil error as a rejection and reports it to the
// client with the "invalid:" prefix.
package validate

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/roach88/deck/internal/nostr"
)

// Modes accepted by ForMode.
const (
	ModeSignature = "signature"
	ModeID        = "id"
	ModeNone      = "none"
)

var (
	// ErrBadID is returned when the event id does not hash its content.
	ErrBadID = errors.New("event id does not match content")
	// ErrBadSignature is returned when the Schnorr signature does not verify.
	ErrBadSignature = errors.New("signature verification failed")
)

// Validator checks a single event. A nil error means valid.
type Validator interface {
	Validate(ev *nostr.Event) error
}

// Func adapts a function to Validator.
type Func func(ev *nostr.Event) error

// Validate implements Validator.
func (f Func) Validate(ev *nostr.Event) error { return f(ev) }

// None accepts every event. It is meant for tests and trusted capture.
type None struct{}

// Validate implements Validator.
func (None) Validate(*nostr.Event) error { return nil }

// ID checks field shapes and recomputes the event id, without verifying
// the signature.
type ID struct{}

// Validate implements Validator.
func (ID) Validate(ev *nostr.Event) error {
	if err := ev.CheckShape(); err != nil {
		return err
	}
	if !ev.CheckID() {
		return ErrBadID
	}
	return nil
}

// Signature checks the id like ID and then verifies the BIP-340 Schnorr
// signature over it.
type Signature struct{}

// Validate implements Validator.
func (Signature) Validate(ev *nostr.Event) error {
	if err := (ID{}).Validate(ev); err != nil {
		return err
	}

	pk, err := hex.DecodeString(ev.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pk)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}

	raw, err := hex.DecodeString(ev.Sig)
	if err != nil {
		return fmt.Errorf("decode signature: %w", err)
	}
	sig, err := schnorr.ParseSignature(raw)
	if err != nil {
		return fmt.Errorf("parse signature: %w", err)
	}

	id, err := hex.DecodeString(ev.ID)
	if err != nil {
		return fmt.Errorf("decode id: %w", err)
	}
	if !sig.Verify(id, pub) {
		return ErrBadSignature
	}
	return nil
}

// ForMode returns the validator configured by name. The empty string is
// the signature mode.
func ForMode(mode string) (Validator, error) {
	switch mode {
	case "", ModeSignature:
		return Signature{}, nil
	case ModeID:
		return ID{}, nil
	case ModeNone:
		return None{}, nil
	default:
		return nil, fmt.Errorf("unknown validation mode %q", mode)
	}
}
