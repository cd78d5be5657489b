package storage

import (
	"fmt"
	"slices"
)

// GrantFilter selects persisted grants. At least one criterion must be set.
//
// ClientID is merged into ClientIDs and Type into Types, so a filter with both
// forms set matches any of the combined values.
type GrantFilter struct {
	SubjectID string
	SessionID string
	ClientID  string
	ClientIDs []string
	Type      string
	Types     []string
}

// Validate returns ErrInvalidFilter when the filter has no criteria.
func (f GrantFilter) Validate() error {
	if f.SubjectID == "" &&
		f.SessionID == "" &&
		f.ClientID == "" &&
		len(nonEmpty(f.ClientIDs)) == 0 &&
		f.Type == "" &&
		len(nonEmpty(f.Types)) == 0 {
		return ErrInvalidFilter
	}
	return nil
}

// MustValidate panics when the filter has no criteria.
func (f GrantFilter) MustValidate() {
	if err := f.Validate(); err != nil {
		panic(fmt.Sprintf("storage: invalid grant filter: %v", err))
	}
}

// AllClientIDs returns ClientIDs with ClientID added, without duplicates.
func (f GrantFilter) AllClientIDs() []string {
	return mergeValues(f.ClientIDs, f.ClientID)
}

// AllTypes returns Types with Type added, without duplicates.
func (f GrantFilter) AllTypes() []string {
	return mergeValues(f.Types, f.Type)
}

// Matches reports whether the grant satisfies every criterion of the filter.
func (f GrantFilter) Matches(g *PersistedGrant) bool {
	if g == nil {
		return false
	}
	if f.SubjectID != "" && g.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && g.SessionID != f.SessionID {
		return false
	}
	if ids := f.AllClientIDs(); len(ids) > 0 && !slices.Contains(ids, g.ClientID) {
		return false
	}
	if types := f.AllTypes(); len(types) > 0 && !slices.Contains(types, g.Type) {
		return false
	}
	return true
}

// SessionFilter selects server-side sessions. SubjectID or SessionID must be set.
type SessionFilter struct {
	SubjectID string
	SessionID string
}

// Validate returns ErrInvalidFilter when the filter has no criteria.
func (f SessionFilter) Validate() error {
	if f.SubjectID == "" && f.SessionID == "" {
		return ErrInvalidFilter
	}
	return nil
}

// Matches reports whether the session satisfies the filter.
func (f SessionFilter) Matches(s *ServerSideSession) bool {
	if s == nil {
		return false
	}
	if f.SubjectID != "" && s.SubjectID != f.SubjectID {
		return false
	}
	if f.SessionID != "" && s.SessionID != f.SessionID {
		return false
	}
	return true
}

func mergeValues(values []string, single string) []string {
	out := make([]string, 0, len(values)+1)
	for _, v := range values {
		if v != "" && !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	if single != "" && !slices.Contains(out, single) {
		out = append(out, single)
	}
	return out
}

func nonEmpty(values []string) []string {
	return mergeValues(values, "")
}
