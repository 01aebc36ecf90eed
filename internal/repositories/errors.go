package repositories

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// ErrNotFound is returned by repository methods when the requested record
// does not exist in the database. Callers should check for this error
// explicitly using errors.Is to distinguish missing records from other
// database errors.
//
//	agent, err := repo.Get(ctx, id)
//	if errors.Is(err, repositories.ErrNotFound) {
//	    handle not found
//	}
var ErrNotFound = errors.New("record not found")

// ErrConflict is returned when an insert violates a unique constraint, for
// example registering an agent whose (owner, name) pair already exists.
var ErrConflict = errors.New("record already exists")

// isDuplicateKey recognises unique-constraint violations across the
// supported drivers. GORM's TranslateError covers postgres; the modernc
// sqlite driver is not known to GORM's sqlite translator, so its raw
// constraint message is matched as well.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
