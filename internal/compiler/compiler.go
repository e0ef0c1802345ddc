// Package compiler turns a buffer snapshot into a capsule.
//
// The Compiler interface is what rotation depends on. Toolchain is the
// production implementation: it renders a project template around the
// snapshot, runs an external build command and loads the resulting module.
package compiler

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/deck/internal/nostr"
	"github.com/roach88/deck/internal/registry"
)

// Extensions are the optional protocol features a capsule is built with.
// The deck does not implement them itself; it only declares them.
type Extensions struct {
	NIP11 bool `yaml:"nip11" json:"nip11"`
	NIP42 bool `yaml:"nip42" json:"nip42"`
	NIP45 bool `yaml:"nip45" json:"nip45"`
	NIP50 bool `yaml:"nip50" json:"nip50"`
}

// Features returns the enabled extensions as build feature names.
func (e Extensions) Features() []string {
	var out []string
	for _, f := range []struct {
		on   bool
		name string
	}{{e.NIP11, "nip11"}, {e.NIP42, "nip42"}, {e.NIP45, "nip45"}, {e.NIP50, "nip50"}} {
		if f.on {
			out = append(out, f.name)
		}
	}
	return out
}

// SupportedNIPs lists NIP numbers for capability documents. NIP-01 is
// always supported.
func (e Extensions) SupportedNIPs() []int {
	nips := []int{1}
	if e.NIP11 {
		nips = append(nips, 11)
	}
	if e.NIP42 {
		nips = append(nips, 42)
	}
	if e.NIP45 {
		nips = append(nips, 45)
	}
	if e.NIP50 {
		nips = append(nips, 50)
	}
	return nips
}

// Metadata describes a capsule.
type Metadata struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description,omitempty"`
	PubKey      string `yaml:"pubkey" json:"pubkey,omitempty"`
	Contact     string `yaml:"contact" json:"contact,omitempty"`
	Icon        string `yaml:"icon" json:"icon,omitempty"`
	Author      string `yaml:"author" json:"author,omitempty"`
	Version     string `yaml:"version" json:"version,omitempty"`
}

// Result is a compiled, loaded capsule.
type Result struct {
	Capsule registry.Capsule
	// Path is the capsule file in the output directory.
	Path string
	Size int64
}

// Compiler builds capsules from event snapshots.
type Compiler interface {
	Compile(ctx context.Context, events []nostr.Event, ext Extensions, meta Metadata) (*Result, error)
}

// SanitizeName turns a display name into a lowercase identifier safe for
// file names and build targets: accents are folded, every other character
// outside [a-z0-9] becomes an underscore.
func SanitizeName(name string) string {
	// transform chains are stateful, so one per call
	stripMarks := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(stripMarks, name)
	if err != nil {
		folded = name
	}

	var b strings.Builder
	lastUnderscore := true
	for _, r := range strings.ToLower(folded) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	out := strings.TrimSuffix(b.String(), "_")
	if out == "" {
		return "capsule"
	}
	return out
}
