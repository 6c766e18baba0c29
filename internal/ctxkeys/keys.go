// Package ctxkeys defines the context keys shared across packages.
package ctxkeys

// Key is the type for all context keys in the application.
// Using a dedicated type prevents collisions with keys from other packages.
type Key string

// KeyRunID identifies one process run of a consumer or producer. Alerts and
// status records carry it so a run can be traced across both.
const KeyRunID Key = "run_id"

// All lists the keys copied from a context into log records, in output order.
var All = []Key{KeyRunID}
