package scope

import (
	"fmt"
	"sort"

	"github.com/gobwas/glob"

	"github.com/tripdesk/tripdesk/auth"
)

// Well-known scope names. Each maps to a server-side filter predicate and the
// set of tables it observes.
const (
	NameAgentBookings     = "bookings-owned-by-agent"
	NameUserNotifications = "notifications-for-user"
	NameAllBookings       = "bookings-all"
)

// Filter is the server-side predicate of a scope: column -> required value.
// An empty filter matches every row (admin-wide scopes).
type Filter map[string]string

// Scope is one named logical subscription against the change feed.
type Scope struct {
	Name   string
	Tables []string // Glob patterns over table names
	Filter Filter

	globs []glob.Glob
}

// New compiles a scope definition. Invalid table patterns are an error.
func New(name string, tables []string, filter Filter) (Scope, error) {
	s := Scope{
		Name:   name,
		Tables: tables,
		Filter: filter,
		globs:  make([]glob.Glob, 0, len(tables)),
	}

	for _, pattern := range tables {
		g, err := glob.Compile(pattern)
		if err != nil {
			return Scope{}, fmt.Errorf("invalid table pattern %q: %w", pattern, err)
		}
		s.globs = append(s.globs, g)
	}

	return s, nil
}

// mustNew is for the static role-derived scopes whose patterns are literals.
func mustNew(name string, tables []string, filter Filter) Scope {
	s, err := New(name, tables, filter)
	if err != nil {
		panic(err)
	}
	return s
}

// MatchesTable returns true if the table is observed by this scope.
// No patterns means all tables match.
func (s Scope) MatchesTable(table string) bool {
	if len(s.globs) == 0 {
		return true
	}
	for _, g := range s.globs {
		if g.Match(table) {
			return true
		}
	}
	return false
}

// MatchesRow applies the scope's filter predicate to a row projection.
// Used by transports that cannot filter server-side.
func (s Scope) MatchesRow(table string, row map[string]interface{}) bool {
	if !s.MatchesTable(table) {
		return false
	}
	for col, want := range s.Filter {
		got, ok := row[col]
		if !ok {
			return false
		}
		if fmt.Sprint(got) != want {
			return false
		}
	}
	return true
}

// Key returns the routing token for transports that scope subscriptions
// server-side (e.g. one NATS subject per scope instance). Wide scopes with no
// filter use "all"; single-predicate scopes use the predicate value.
func (s Scope) Key() string {
	if len(s.Filter) == 0 {
		return "all"
	}
	// Deterministic across map iteration order
	cols := make([]string, 0, len(s.Filter))
	for col := range s.Filter {
		cols = append(cols, col)
	}
	sort.Strings(cols)

	key := ""
	for _, col := range cols {
		if key != "" {
			key += "."
		}
		key += s.Filter[col]
	}
	return key
}

// ForIdentity derives the exact scope set the identity requires. All roles get
// the two personal scopes; admin roles additionally get the all-bookings scope.
func ForIdentity(ident auth.Identity) []Scope {
	scopes := []Scope{
		mustNew(NameAgentBookings, []string{"bookings"}, Filter{"agent_id": ident.ID}),
		mustNew(NameUserNotifications, []string{"notifications"}, Filter{"user_id": ident.ID}),
	}

	if ident.Role.IsAdmin() {
		scopes = append(scopes, mustNew(NameAllBookings, []string{"bookings"}, nil))
	}

	return scopes
}
