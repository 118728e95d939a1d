// Package repository holds the MySQL-backed collaborators of the booking
// core: the service catalog and the appointment store.  Sentinel errors here
// let callers tell expected outcomes apart from infrastructure failures.
package repository

import (
	"errors"

	"github.com/go-sql-driver/mysql"

	"github.com/iliyamo/slot-reservation/internal/model"
)

// ErrNotFound is returned when a catalog lookup has no match.  It is the
// same value as model.ErrServiceNotFound so the booking core can test for
// it without importing this package.
var ErrNotFound = model.ErrServiceNotFound

// ErrSlotTaken is returned when the appointments table already has a
// booking for the same tenant, service, date and start time.  It guards
// against the ledger having lost a confirmed marker, e.g. after a restart
// of an in-memory ledger.
var ErrSlotTaken = errors.New("slot already booked")

// mysqlDuplicateEntry is ER_DUP_ENTRY.
const mysqlDuplicateEntry = 1062

func isDuplicate(err error) bool {
	var me *mysql.MySQLError
	return errors.As(err, &me) && me.Number == mysqlDuplicateEntry
}
