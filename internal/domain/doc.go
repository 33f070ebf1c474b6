// Package domain defines the core business types for the bulk email sender.
//
// Types in this package are pure value objects with no behavior beyond
// validation and state-machine transitions. They are the shared language
// between the queue, the worker pool, the campaign service, and tracking
// ingestion.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB tags are allowed (they're metadata, not behavior)
//   - State-machine transition functions belong here so every mutator
//     rejects invalid transitions in one place
package domain
