// Package merge implements the identity merge engine: reconciling one
// raw provider record into the canonical client graph.
//
// The service layer contains all resolution and field-precedence logic.
// It depends on the repository interface defined in this package and
// should never import from api/ or worker/.
//
// Repository implementations live in repository/postgres/; tests use an
// in-memory implementation.
package merge
