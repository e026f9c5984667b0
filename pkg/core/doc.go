// Package core defines the shared language of the sqltrainer system.
//
// This package contains:
//   - Execution results (StatementResult, Progress)
//   - The error taxonomy shared by the engine, coordinator and reconciler
//   - Facet names used by the persistence layer
//
// The Golden Rule: pkg/core imports ONLY stdlib.
// All other packages depend on core, not the reverse.
package core
