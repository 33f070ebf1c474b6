// Package campaign orchestrates the campaign send lifecycle.
//
// The service layer owns the state machine around queueing, pausing,
// cancelling, retrying and completing campaigns. It depends on the
// repository interface defined in this package and the job queue, and
// should never import from the HTTP layer.
//
// Repository implementations live in repository/postgres/.
package campaign
