// Package storage keeps per-epoch override configuration. The durable
// implementation lives in the target repository's own git config, so it
// survives re-use of the repository but not its deletion.
package storage

import (
	"fmt"

	"gopkg.in/src-d/go-errors.v1"
)

var (
	// ErrInvalidMode is returned when parsing an unknown mode name.
	ErrInvalidMode = errors.NewKind("invalid epoch mode: %s")

	// ErrMirrorURLMissing is returned when a mirror mode is set without
	// a mirror URL.
	ErrMirrorURLMissing = errors.NewKind("mirror mode for epoch %d requires a URL")
)

// ModeKind enumerates the override modes an epoch can be in.
type ModeKind int

const (
	// Default fetches from the canonical upstream URL and repoints the
	// remote at it after fetching.
	Default ModeKind = iota
	// LocalOnly keeps the epoch sourced from its local clone. The remote
	// is never repointed at upstream and the clone is never deleted, so
	// the epoch may silently diverge from upstream. This is intentional
	// operator-managed state, not a staleness bug.
	LocalOnly
	// Mirror substitutes an alternate URL for the epoch's canonical
	// upstream location.
	Mirror
)

// Mode is the override configuration of a single epoch.
type Mode struct {
	Kind ModeKind
	// MirrorURL is only meaningful when Kind is Mirror.
	MirrorURL string
}

// String returns the config-file representation of the mode kind.
func (m Mode) String() string {
	switch m.Kind {
	case LocalOnly:
		return "local-only"
	case Mirror:
		return fmt.Sprintf("mirror (%s)", m.MirrorURL)
	default:
		return "default"
	}
}

func (m ModeKind) configValue() string {
	switch m {
	case LocalOnly:
		return "local-only"
	case Mirror:
		return "mirror"
	default:
		return "default"
	}
}

func parseModeKind(s string) (ModeKind, error) {
	switch s {
	case "", "default":
		return Default, nil
	case "local-only":
		return LocalOnly, nil
	case "mirror":
		return Mirror, nil
	default:
		return Default, ErrInvalidMode.New(s)
	}
}

// Store is the per-epoch configuration store. Reads of unset epochs
// return the Default mode. Writes are idempotent and immediately durable.
// URL reachability is not validated at write time.
type Store interface {
	// Mode returns the override mode of an epoch.
	Mode(epoch int) (Mode, error)
	// SetMode sets the override mode of an epoch. Setting Default
	// removes any stored override.
	SetMode(epoch int, m Mode) error
	// Modes returns all epochs with a non-default override.
	Modes() (map[int]Mode, error)
}
