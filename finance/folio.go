/*
folio.go - Human-readable sequential identifiers

PURPOSE:
  Folios identify charges and fiscal documents to humans: on statements,
  bank transfer descriptions, and printed documents. They are unique,
  sequential within a (kind, day) scope, and immutable once assigned.

FORMATS:
  Charges:          {PREFIX}-{YYYYMMDD}-{seq:04d}   e.g. CHG-20260901-0001
  Fiscal documents: {PREFIX}-{YYYYMMDD}{seq:04d}    e.g. FAC-202609010001

CONCURRENCY:
  Allocation goes through FolioSequencer, whose implementations must be
  atomic per scope (a sequence row updated inside the caller's transaction).
  A "count existing rows + 1" scheme is unsafe under concurrent creation
  and must not be used. Callers still keep a bounded retry loop around the
  insert: a uniqueness violation on the folio column is classified as a
  TransientStoreFailure and the candidate is re-derived.

SEE ALSO:
  - store/sqlite: folio_sequences table behind FolioSequencer
  - ledger.go: bounded retry around charge creation
*/
package finance

import (
	"context"
	"fmt"
	"time"
)

// FolioKind scopes a folio sequence by entity type.
type FolioKind string

const (
	FolioCharge FolioKind = "charge"
	FolioFiscal FolioKind = "fiscal"
)

// FolioSequencer hands out the next sequence number for a (kind, day) scope.
// Implementations must be atomic: two concurrent calls for the same scope
// must never observe the same number.
type FolioSequencer interface {
	NextFolioSeq(ctx context.Context, kind FolioKind, day time.Time) (int, error)
}

// ChargeFolio formats a charge folio: {PREFIX}-{YYYYMMDD}-{seq:04d}.
func ChargeFolio(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s-%04d", prefix, day.Format("20060102"), seq)
}

// FiscalFolio formats a fiscal document folio: {PREFIX}-{YYYYMMDD}{seq:04d}.
func FiscalFolio(prefix string, day time.Time, seq int) string {
	return fmt.Sprintf("%s-%s%04d", prefix, day.Format("20060102"), seq)
}
