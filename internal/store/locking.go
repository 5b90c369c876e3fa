package store

import "gorm.io/gorm/clause"

// clauseForUpdate is the shared SELECT ... FOR UPDATE clause every
// pessimistic-lock read in this package uses, so the lock strength is
// defined in exactly one place.
var clauseForUpdate = clause.Locking{Strength: "UPDATE"}
