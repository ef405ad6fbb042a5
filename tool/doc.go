// Package tool defines schema-described tool descriptors and the registry
// that stores and validates them.
//
// The package is intentionally split by concern:
//   - descriptor: the constraint-tree schema model shared by both roles
//   - registry: registration, lookup, and discovery-merge semantics
//   - validate: data-driven parameter validation producing full diagnostics
//   - store: persistence interfaces with memory and SQLite backends
//
// Descriptors are immutable once registered: overwriting requires an explicit
// flag and bumps the schema version rather than mutating in place.
package tool
