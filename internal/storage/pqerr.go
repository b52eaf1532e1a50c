package storage

import "github.com/lib/pq"

// containsPQCode reports whether err is a *pq.Error with the given SQLSTATE
// code (e.g. "23505" for unique_violation).
func containsPQCode(err error, code string) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && string(pqErr.Code) == code
}
