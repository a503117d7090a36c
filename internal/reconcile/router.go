package reconcile

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"
)

// ReasonUnsupportedTable is reported for operations targeting an unregistered table.
const ReasonUnsupportedTable = "unsupported_table"

// ReasonServerError is reported when an applier fails unexpectedly.
const ReasonServerError = "server_error"

var errMissingApplier = errors.New("applier is required")

// ApplyScope is the transactional context handed to an applier.
type ApplyScope struct {
	Tx    *gorm.DB
	Actor Actor
	Now   time.Time
}

// Decision is an applier's verdict for one operation.
type Decision struct {
	Result     Result
	ReasonCode string
	ConflictID string
	Activity   *ActivityDraft
}

// Reject builds a rejected decision with the given reason.
func Reject(reason string) Decision {
	return Decision{Result: ResultRejected, ReasonCode: reason}
}

// Applier encodes the invariants and conflict policy of one entity table.
// Errors that are not store failures are converted to server_error outcomes.
type Applier interface {
	Apply(ctx context.Context, scope ApplyScope, op Operation) (Decision, error)
}

// ApplierFunc adapts a function to the Applier interface.
type ApplierFunc func(ctx context.Context, scope ApplyScope, op Operation) (Decision, error)

// Apply calls f.
func (f ApplierFunc) Apply(ctx context.Context, scope ApplyScope, op Operation) (Decision, error) {
	return f(ctx, scope, op)
}

// Router dispatches operations over a closed set of registered tables.
type Router struct {
	appliers map[Table]Applier
}

// NewRouter freezes the table registry.
func NewRouter(appliers map[Table]Applier) (*Router, error) {
	registry := make(map[Table]Applier, len(appliers))
	for table, applier := range appliers {
		if table == "" {
			return nil, fmt.Errorf("router: empty table identifier")
		}
		if applier == nil {
			return nil, fmt.Errorf("router: table %s: %w", table, errMissingApplier)
		}
		registry[table] = applier
	}
	return &Router{appliers: registry}, nil
}

// Supports reports whether the table is registered.
func (r *Router) Supports(table Table) bool {
	_, ok := r.appliers[table]
	return ok
}

// Tables lists the registered tables in lexical order.
func (r *Router) Tables() []Table {
	tables := make([]Table, 0, len(r.appliers))
	for table := range r.appliers {
		tables = append(tables, table)
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i] < tables[j] })
	return tables
}

// Route runs the applier registered for the operation's table.
func (r *Router) Route(ctx context.Context, scope ApplyScope, op Operation) (Decision, error) {
	applier, ok := r.appliers[op.Table()]
	if !ok {
		return Reject(ReasonUnsupportedTable), nil
	}
	return applier.Apply(ctx, scope, op)
}
