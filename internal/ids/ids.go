// Package ids mints the type-prefixed identifiers used for every tracked entity.
//
// An id has the form wm_<prefix>_<32 hex chars>. The hex part is a UUIDv7, so ids
// minted by one process sort in creation order.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

// Prefix is the type tag embedded in an id.
type Prefix string

const (
	Run     Prefix = "run"
	Group   Prefix = "grp"
	Call    Prefix = "call"
	Outcome Prefix = "oc"
	Act     Prefix = "act"
)

const namespace = "wm_"

var known = []Prefix{Run, Group, Call, Outcome, Act}

// New returns a fresh id for the given prefix.
func New(p Prefix) string {
	u, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails.
		u = uuid.New()
	}
	hex := strings.ReplaceAll(u.String(), "-", "")
	return namespace + string(p) + "_" + hex
}

// PrefixOf reports the type prefix of id. ok is false for strings that do not
// carry one of the known prefixes.
func PrefixOf(id string) (Prefix, bool) {
	rest, found := strings.CutPrefix(id, namespace)
	if !found {
		return "", false
	}
	for _, p := range known {
		if tail, ok := strings.CutPrefix(rest, string(p)+"_"); ok && tail != "" {
			return p, true
		}
	}
	return "", false
}

// Is reports whether id carries prefix p.
func Is(id string, p Prefix) bool {
	got, ok := PrefixOf(id)
	return ok && got == p
}
