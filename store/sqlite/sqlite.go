/*
Package sqlite provides the SQLite-backed implementation of the storage
interfaces.

PURPOSE:
  Implements finance.Store and fiscal.Store over a single SQLite database.
  In production the same patterns apply to PostgreSQL - only minor SQL
  dialect differences.

INVARIANTS ENFORCED BY SCHEMA:
  - idx_charges_active_tuple: at most one active, non-cancelled charge per
    (student, concept, cycle, period)
  - charges.folio UNIQUE: a folio collision under concurrency surfaces as
    a TransientStoreFailure and the caller re-derives the candidate
  - idx_fiscal_stamped: at most one Stamped document per charge
  - payments and fiscal_audit have no UPDATE or DELETE statements at all

FOLIO SEQUENCES:
  folio_sequences holds one row per (kind, day) scope, bumped atomically
  with an UPSERT..RETURNING inside the caller's transaction. Never a
  "count existing rows + 1" read-then-compute scheme.

CONCURRENCY:
  The pool is capped at a single connection: SQLite allows one writer at
  a time anyway, and a single connection makes ":memory:" databases safe
  to share across the pool. Transactions come from WithTx; nested calls
  reuse the enclosing transaction.

USAGE:
  store, err := sqlite.New("./data/ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - finance/store.go: interface definitions and contracts
  - fiscal/store.go: document store contract
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/cedro/school-ledger/finance"
	"github.com/cedro/school-ledger/fiscal"
)

// dbtx is satisfied by both *sql.DB and *sql.Tx.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store implements finance.Store and fiscal.Store using SQLite.
type Store struct {
	db *sql.DB
	q  dbtx
}

// New creates a SQLite store at the given path and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: SQLite has a single writer, and this keeps ":memory:"
	// databases consistent across the pool.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, q: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Catalog
	CREATE TABLE IF NOT EXISTS students (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS cycles (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS concepts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		default_amount TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		recurring INTEGER NOT NULL DEFAULT 0,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_concepts_recurring
		ON concepts(recurring) WHERE recurring = 1;

	-- Charges
	CREATE TABLE IF NOT EXISTS charges (
		id TEXT PRIMARY KEY,
		folio TEXT NOT NULL UNIQUE,
		student_id TEXT NOT NULL,
		concept_id TEXT NOT NULL,
		cycle_id TEXT NOT NULL,
		period TEXT NOT NULL,
		amount TEXT NOT NULL,
		discount TEXT NOT NULL,
		surcharge TEXT NOT NULL,
		tax_rate TEXT NOT NULL,
		amount_received TEXT NOT NULL,
		state TEXT NOT NULL,
		issued_at TEXT NOT NULL,
		due_date TEXT,
		paid_at TEXT,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: at most one active, non-cancelled charge per tuple.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_charges_active_tuple
		ON charges(student_id, concept_id, cycle_id, period)
		WHERE active = 1 AND state != 'cancelled';

	CREATE INDEX IF NOT EXISTS idx_charges_student
		ON charges(student_id, issued_at);
	CREATE INDEX IF NOT EXISTS idx_charges_state
		ON charges(state);

	-- Payments (append-only: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		charge_id TEXT NOT NULL,
		amount TEXT NOT NULL,
		method TEXT NOT NULL,
		reference TEXT,
		paid_at TEXT NOT NULL,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_payments_charge
		ON payments(charge_id, paid_at);

	-- Scholarships
	CREATE TABLE IF NOT EXISTS scholarships (
		id TEXT PRIMARY KEY,
		student_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		value TEXT NOT NULL,
		start_at TEXT NOT NULL,
		end_at TEXT NOT NULL,
		active INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_scholarships_student
		ON scholarships(student_id, start_at, end_at);

	-- Fiscal documents
	CREATE TABLE IF NOT EXISTS fiscal_documents (
		id TEXT PRIMARY KEY,
		charge_id TEXT NOT NULL,
		folio TEXT NOT NULL UNIQUE,
		receiver_name TEXT NOT NULL,
		receiver_tax_id TEXT,
		subtotal TEXT NOT NULL,
		tax TEXT NOT NULL,
		total TEXT NOT NULL,
		stamp_id TEXT,
		state TEXT NOT NULL,
		retry_count INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		cancel_reason TEXT,
		issued_at TEXT NOT NULL,
		stamped_at TEXT,
		cancelled_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- CRITICAL: a charge has at most one Stamped document at any time.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_fiscal_stamped
		ON fiscal_documents(charge_id) WHERE state = 'stamped';

	CREATE INDEX IF NOT EXISTS idx_fiscal_charge
		ON fiscal_documents(charge_id);

	-- Fiscal audit log (append-only: no UPDATE, no DELETE)
	CREATE TABLE IF NOT EXISTS fiscal_audit (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		event TEXT NOT NULL,
		description TEXT,
		error_detail TEXT,
		at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_fiscal_audit_document
		ON fiscal_audit(document_id, at);

	-- Folio sequences, one row per (kind, day) scope
	CREATE TABLE IF NOT EXISTS folio_sequences (
		scope TEXT PRIMARY KEY,
		next_seq INTEGER NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTION SUPPORT (finance.Store WithTx, fiscal.Store WithDocTx)
// =============================================================================

// WithTx executes fn within a database transaction. Nested calls reuse
// the enclosing transaction.
func (s *Store) WithTx(ctx context.Context, fn func(finance.Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	child := &Store{db: s.db, q: tx}
	if err := fn(child); err != nil {
		return err
	}
	return tx.Commit()
}

// WithDocTx is WithTx for the fiscal document store. Go method sets
// cannot overload WithTx for both interfaces on one type, hence the
// second name; semantics are identical.
func (s *Store) WithDocTx(ctx context.Context, fn func(fiscal.Store) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fn(s)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	child := &Store{db: s.db, q: tx}
	if err := fn(child); err != nil {
		return err
	}
	return tx.Commit()
}

// =============================================================================
// FOLIO SEQUENCER (finance.FolioSequencer interface)
// =============================================================================

// NextFolioSeq atomically bumps and returns the next sequence number for
// the (kind, day) scope.
func (s *Store) NextFolioSeq(ctx context.Context, kind finance.FolioKind, day time.Time) (int, error) {
	scope := fmt.Sprintf("%s:%s", kind, day.Format("20060102"))
	var seq int
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO folio_sequences (scope, next_seq) VALUES (?, 2)
		ON CONFLICT(scope) DO UPDATE SET next_seq = next_seq + 1
		RETURNING next_seq - 1
	`, scope).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to allocate folio sequence for %s: %w", scope, err)
	}
	return seq, nil
}

// =============================================================================
// CHARGE STORE (finance.ChargeStore interface)
// =============================================================================

const chargeColumns = `id, folio, student_id, concept_id, cycle_id, period,
	amount, discount, surcharge, tax_rate, amount_received, state,
	issued_at, due_date, paid_at, active, created_at, updated_at`

func (s *Store) InsertCharge(ctx context.Context, c *finance.Charge) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO charges (`+chargeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		c.ID, c.Folio, c.StudentID, c.ConceptID, c.CycleID, c.Period,
		c.Amount.String(), c.Discount.String(), c.Surcharge.String(),
		c.TaxRate.String(), c.AmountReceived.String(), c.State,
		timeStr(c.IssuedAt), nullTime(c.DueDate), nullTime(c.PaidAt),
		boolInt(c.Active), timeStr(c.CreatedAt), timeStr(c.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "charges.folio") {
				return fmt.Errorf("%w: folio %s already taken: %v", finance.ErrTransientStore, c.Folio, err)
			}
			return finance.ErrDuplicateCharge
		}
		return fmt.Errorf("failed to insert charge: %w", err)
	}
	return nil
}

func (s *Store) GetCharge(ctx context.Context, id finance.ChargeID) (*finance.Charge, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE id = ?`, id)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "charge", ID: string(id)}
	}
	return c, err
}

func (s *Store) GetChargeByFolio(ctx context.Context, folio string) (*finance.Charge, error) {
	row := s.q.QueryRowContext(ctx, `SELECT `+chargeColumns+` FROM charges WHERE folio = ?`, folio)
	c, err := scanCharge(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "charge", ID: folio}
	}
	return c, err
}

func (s *Store) UpdateCharge(ctx context.Context, c *finance.Charge) error {
	// Folio and monetary terms are immutable; only state-machine fields move.
	res, err := s.q.ExecContext(ctx, `
		UPDATE charges
		SET amount_received = ?, state = ?, paid_at = ?, due_date = ?, active = ?, updated_at = ?
		WHERE id = ?
	`,
		c.AmountReceived.String(), c.State, nullTime(c.PaidAt), nullTime(c.DueDate),
		boolInt(c.Active), timeStr(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update charge: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &finance.NotFoundError{Entity: "charge", ID: string(c.ID)}
	}
	return nil
}

func (s *Store) ChargeExists(ctx context.Context, studentID finance.StudentID, conceptID finance.ConceptID, cycleID finance.CycleID, period finance.Period) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM charges
		WHERE student_id = ? AND concept_id = ? AND cycle_id = ? AND period = ?
		  AND active = 1 AND state != 'cancelled'
	`, studentID, conceptID, cycleID, period).Scan(&count)
	return count > 0, err
}

func (s *Store) ChargesByStudent(ctx context.Context, studentID finance.StudentID) ([]*finance.Charge, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT `+chargeColumns+` FROM charges
		WHERE student_id = ? AND active = 1
		ORDER BY issued_at ASC, created_at ASC
	`, studentID)
	if err != nil {
		return nil, fmt.Errorf("failed to query charges: %w", err)
	}
	defer rows.Close()

	var charges []*finance.Charge
	for rows.Next() {
		c, err := scanCharge(rows)
		if err != nil {
			return nil, err
		}
		charges = append(charges, c)
	}
	return charges, rows.Err()
}

// =============================================================================
// PAYMENT STORE (finance.PaymentStore interface - append-only)
// =============================================================================

func (s *Store) InsertPayment(ctx context.Context, p *finance.Payment) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO payments (id, charge_id, amount, method, reference, paid_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, p.ID, p.ChargeID, p.Amount.String(), p.Method, nullString(p.Reference),
		timeStr(p.PaidAt), timeStr(p.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert payment: %w", err)
	}
	return nil
}

func (s *Store) PaymentsByCharge(ctx context.Context, chargeID finance.ChargeID) ([]*finance.Payment, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, charge_id, amount, method, reference, paid_at, created_at
		FROM payments WHERE charge_id = ?
		ORDER BY paid_at ASC, created_at ASC
	`, chargeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query payments: %w", err)
	}
	defer rows.Close()

	var payments []*finance.Payment
	for rows.Next() {
		var (
			p         finance.Payment
			amount    string
			reference sql.NullString
			paidAt    string
			createdAt string
		)
		if err := rows.Scan(&p.ID, &p.ChargeID, &amount, &p.Method, &reference, &paidAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		if p.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("corrupt payment amount %q: %w", amount, err)
		}
		p.Reference = reference.String
		p.PaidAt = parseTime(paidAt)
		p.CreatedAt = parseTime(createdAt)
		payments = append(payments, &p)
	}
	return payments, rows.Err()
}

func (s *Store) HasPayments(ctx context.Context, chargeID finance.ChargeID) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM payments WHERE charge_id = ?`, chargeID).Scan(&count)
	return count > 0, err
}

// =============================================================================
// SCHOLARSHIP STORE (finance.ScholarshipStore interface)
// =============================================================================

func (s *Store) InsertScholarship(ctx context.Context, sc *finance.Scholarship) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO scholarships (id, student_id, kind, value, start_at, end_at, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, sc.ID, sc.StudentID, sc.Kind, sc.Value.String(),
		timeStr(sc.Start), timeStr(sc.End), boolInt(sc.Active), timeStr(sc.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert scholarship: %w", err)
	}
	return nil
}

func (s *Store) ActiveScholarshipAt(ctx context.Context, studentID finance.StudentID, asOf time.Time) (*finance.Scholarship, error) {
	row := s.q.QueryRowContext(ctx, `
		SELECT id, student_id, kind, value, start_at, end_at, active, created_at
		FROM scholarships
		WHERE student_id = ? AND active = 1 AND start_at <= ? AND end_at > ?
		LIMIT 1
	`, studentID, timeStr(asOf), timeStr(asOf))

	sc, err := scanScholarship(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "scholarship", ID: string(studentID)}
	}
	return sc, err
}

func (s *Store) OverlappingScholarshipExists(ctx context.Context, studentID finance.StudentID, start, end time.Time) (bool, error) {
	// Two [start, end) intervals overlap when each starts before the other ends.
	var count int
	err := s.q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM scholarships
		WHERE student_id = ? AND active = 1 AND start_at < ? AND end_at > ?
	`, studentID, timeStr(end), timeStr(start)).Scan(&count)
	return count > 0, err
}

func (s *Store) DeactivateScholarship(ctx context.Context, id finance.ScholarshipID) error {
	res, err := s.q.ExecContext(ctx, `UPDATE scholarships SET active = 0 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to deactivate scholarship: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &finance.NotFoundError{Entity: "scholarship", ID: string(id)}
	}
	return nil
}

// =============================================================================
// CATALOG STORE (finance.CatalogStore interface)
// =============================================================================

func (s *Store) InsertStudent(ctx context.Context, st *finance.Student) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO students (id, name, email, active, created_at) VALUES (?, ?, ?, ?, ?)
	`, st.ID, st.Name, nullString(st.Email), boolInt(st.Active), timeStr(st.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert student: %w", err)
	}
	return nil
}

func (s *Store) GetStudent(ctx context.Context, id finance.StudentID) (*finance.Student, error) {
	var (
		st     finance.Student
		email  sql.NullString
		active int
		ts     string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, email, active, created_at FROM students WHERE id = ?`, id).
		Scan(&st.ID, &st.Name, &email, &active, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "student", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get student: %w", err)
	}
	st.Email = email.String
	st.Active = active == 1
	st.CreatedAt = parseTime(ts)
	return &st, nil
}

func (s *Store) ActiveStudents(ctx context.Context) ([]*finance.Student, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, email, active, created_at FROM students WHERE active = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query students: %w", err)
	}
	defer rows.Close()

	var students []*finance.Student
	for rows.Next() {
		var (
			st     finance.Student
			email  sql.NullString
			active int
			ts     string
		)
		if err := rows.Scan(&st.ID, &st.Name, &email, &active, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan student: %w", err)
		}
		st.Email = email.String
		st.Active = active == 1
		st.CreatedAt = parseTime(ts)
		students = append(students, &st)
	}
	return students, rows.Err()
}

func (s *Store) InsertConcept(ctx context.Context, c *finance.Concept) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO concepts (id, name, default_amount, tax_rate, recurring, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, c.DefaultAmount.String(), c.TaxRate.String(),
		boolInt(c.Recurring), boolInt(c.Active), timeStr(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert concept: %w", err)
	}
	return nil
}

func (s *Store) GetConcept(ctx context.Context, id finance.ConceptID) (*finance.Concept, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT id, name, default_amount, tax_rate, recurring, active, created_at FROM concepts WHERE id = ?`, id)
	c, err := scanConcept(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "concept", ID: string(id)}
	}
	return c, err
}

func (s *Store) RecurringConcepts(ctx context.Context) ([]*finance.Concept, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, name, default_amount, tax_rate, recurring, active, created_at
		 FROM concepts WHERE recurring = 1 AND active = 1 ORDER BY name ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query concepts: %w", err)
	}
	defer rows.Close()

	var concepts []*finance.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, err
		}
		concepts = append(concepts, c)
	}
	return concepts, rows.Err()
}

func (s *Store) InsertCycle(ctx context.Context, c *finance.Cycle) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO cycles (id, name, start_at, end_at, active, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, c.ID, c.Name, timeStr(c.Start), timeStr(c.End), boolInt(c.Active), timeStr(c.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert cycle: %w", err)
	}
	return nil
}

func (s *Store) GetCycle(ctx context.Context, id finance.CycleID) (*finance.Cycle, error) {
	var (
		c      finance.Cycle
		start  string
		end    string
		active int
		ts     string
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, name, start_at, end_at, active, created_at FROM cycles WHERE id = ?`, id).
		Scan(&c.ID, &c.Name, &start, &end, &active, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "cycle", ID: string(id)}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cycle: %w", err)
	}
	c.Start = parseTime(start)
	c.End = parseTime(end)
	c.Active = active == 1
	c.CreatedAt = parseTime(ts)
	return &c, nil
}

// =============================================================================
// FISCAL DOCUMENT STORE (fiscal.Store interface)
// =============================================================================

const documentColumns = `id, charge_id, folio, receiver_name, receiver_tax_id,
	subtotal, tax, total, stamp_id, state, retry_count, last_error,
	cancel_reason, issued_at, stamped_at, cancelled_at, created_at, updated_at`

func (s *Store) InsertDocument(ctx context.Context, d *fiscal.Document) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO fiscal_documents (`+documentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		d.ID, d.ChargeID, d.Folio, d.ReceiverName, nullString(d.ReceiverTaxID),
		d.Subtotal.String(), d.Tax.String(), d.Total.String(),
		nullString(d.StampID), d.State, d.RetryCount, nullString(d.LastError),
		nullString(d.CancelReason), timeStr(d.IssuedAt), nullTime(d.StampedAt),
		nullTime(d.CancelledAt), timeStr(d.CreatedAt), timeStr(d.UpdatedAt),
	)
	if err != nil {
		if isUniqueViolation(err) {
			if strings.Contains(err.Error(), "fiscal_documents.folio") {
				return fmt.Errorf("%w: fiscal folio %s already taken: %v", finance.ErrTransientStore, d.Folio, err)
			}
			return fiscal.ErrChargeAlreadyStamped
		}
		return fmt.Errorf("failed to insert fiscal document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(ctx context.Context, id fiscal.DocumentID) (*fiscal.Document, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM fiscal_documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &finance.NotFoundError{Entity: "fiscal document", ID: string(id)}
	}
	return d, err
}

func (s *Store) UpdateDocument(ctx context.Context, d *fiscal.Document) error {
	res, err := s.q.ExecContext(ctx, `
		UPDATE fiscal_documents
		SET stamp_id = ?, state = ?, retry_count = ?, last_error = ?,
		    cancel_reason = ?, stamped_at = ?, cancelled_at = ?, updated_at = ?
		WHERE id = ?
	`,
		nullString(d.StampID), d.State, d.RetryCount, nullString(d.LastError),
		nullString(d.CancelReason), nullTime(d.StampedAt), nullTime(d.CancelledAt),
		timeStr(d.UpdatedAt), d.ID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			// The partial stamped index: another document won the race.
			return fiscal.ErrChargeAlreadyStamped
		}
		return fmt.Errorf("failed to update fiscal document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return &finance.NotFoundError{Entity: "fiscal document", ID: string(d.ID)}
	}
	return nil
}

// HasStampedDocument also satisfies finance.StampedChecker.
func (s *Store) HasStampedDocument(ctx context.Context, chargeID finance.ChargeID) (bool, error) {
	var count int
	err := s.q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fiscal_documents WHERE charge_id = ? AND state = 'stamped'`,
		chargeID).Scan(&count)
	return count > 0, err
}

func (s *Store) AppendAudit(ctx context.Context, e *fiscal.AuditEntry) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO fiscal_audit (id, document_id, event, description, error_detail, at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, e.ID, e.DocumentID, e.Event, nullString(e.Description), nullString(e.ErrorDetail), timeStr(e.At))
	if err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

func (s *Store) AuditByDocument(ctx context.Context, id fiscal.DocumentID) ([]*fiscal.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, document_id, event, description, error_detail, at
		FROM fiscal_audit WHERE document_id = ?
		ORDER BY at ASC, id ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query audit entries: %w", err)
	}
	defer rows.Close()

	var entries []*fiscal.AuditEntry
	for rows.Next() {
		var (
			e           fiscal.AuditEntry
			description sql.NullString
			errDetail   sql.NullString
			at          string
		)
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Event, &description, &errDetail, &at); err != nil {
			return nil, fmt.Errorf("failed to scan audit entry: %w", err)
		}
		e.Description = description.String
		e.ErrorDetail = errDetail.String
		e.At = parseTime(at)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCharge(row rowScanner) (*finance.Charge, error) {
	var (
		c         finance.Charge
		amount    string
		discount  string
		surcharge string
		taxRate   string
		received  string
		issuedAt  string
		dueDate   sql.NullString
		paidAt    sql.NullString
		active    int
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&c.ID, &c.Folio, &c.StudentID, &c.ConceptID, &c.CycleID, &c.Period,
		&amount, &discount, &surcharge, &taxRate, &received, &c.State,
		&issuedAt, &dueDate, &paidAt, &active, &createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan charge: %w", err)
	}
	if c.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt charge amount %q: %w", amount, err)
	}
	if c.Discount, err = decimal.NewFromString(discount); err != nil {
		return nil, fmt.Errorf("corrupt charge discount %q: %w", discount, err)
	}
	if c.Surcharge, err = decimal.NewFromString(surcharge); err != nil {
		return nil, fmt.Errorf("corrupt charge surcharge %q: %w", surcharge, err)
	}
	if c.TaxRate, err = decimal.NewFromString(taxRate); err != nil {
		return nil, fmt.Errorf("corrupt charge tax rate %q: %w", taxRate, err)
	}
	if c.AmountReceived, err = decimal.NewFromString(received); err != nil {
		return nil, fmt.Errorf("corrupt charge amount received %q: %w", received, err)
	}
	c.IssuedAt = parseTime(issuedAt)
	c.DueDate = parseNullTime(dueDate)
	c.PaidAt = parseNullTime(paidAt)
	c.Active = active == 1
	c.CreatedAt = parseTime(createdAt)
	c.UpdatedAt = parseTime(updatedAt)
	return &c, nil
}

func scanScholarship(row rowScanner) (*finance.Scholarship, error) {
	var (
		sc        finance.Scholarship
		value     string
		start     string
		end       string
		active    int
		createdAt string
	)
	err := row.Scan(&sc.ID, &sc.StudentID, &sc.Kind, &value, &start, &end, &active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan scholarship: %w", err)
	}
	if sc.Value, err = decimal.NewFromString(value); err != nil {
		return nil, fmt.Errorf("corrupt scholarship value %q: %w", value, err)
	}
	sc.Start = parseTime(start)
	sc.End = parseTime(end)
	sc.Active = active == 1
	sc.CreatedAt = parseTime(createdAt)
	return &sc, nil
}

func scanConcept(row rowScanner) (*finance.Concept, error) {
	var (
		c         finance.Concept
		amount    string
		taxRate   string
		recurring int
		active    int
		createdAt string
	)
	err := row.Scan(&c.ID, &c.Name, &amount, &taxRate, &recurring, &active, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan concept: %w", err)
	}
	if c.DefaultAmount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("corrupt concept amount %q: %w", amount, err)
	}
	if c.TaxRate, err = decimal.NewFromString(taxRate); err != nil {
		return nil, fmt.Errorf("corrupt concept tax rate %q: %w", taxRate, err)
	}
	c.Recurring = recurring == 1
	c.Active = active == 1
	c.CreatedAt = parseTime(createdAt)
	return &c, nil
}

func scanDocument(row rowScanner) (*fiscal.Document, error) {
	var (
		d            fiscal.Document
		receiverTax  sql.NullString
		subtotal     string
		tax          string
		total        string
		stampID      sql.NullString
		lastError    sql.NullString
		cancelReason sql.NullString
		issuedAt     string
		stampedAt    sql.NullString
		cancelledAt  sql.NullString
		createdAt    string
		updatedAt    string
	)
	err := row.Scan(
		&d.ID, &d.ChargeID, &d.Folio, &d.ReceiverName, &receiverTax,
		&subtotal, &tax, &total, &stampID, &d.State, &d.RetryCount,
		&lastError, &cancelReason, &issuedAt, &stampedAt, &cancelledAt,
		&createdAt, &updatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan fiscal document: %w", err)
	}
	if d.Subtotal, err = decimal.NewFromString(subtotal); err != nil {
		return nil, fmt.Errorf("corrupt document subtotal %q: %w", subtotal, err)
	}
	if d.Tax, err = decimal.NewFromString(tax); err != nil {
		return nil, fmt.Errorf("corrupt document tax %q: %w", tax, err)
	}
	if d.Total, err = decimal.NewFromString(total); err != nil {
		return nil, fmt.Errorf("corrupt document total %q: %w", total, err)
	}
	d.ReceiverTaxID = receiverTax.String
	d.StampID = stampID.String
	d.LastError = lastError.String
	d.CancelReason = cancelReason.String
	d.IssuedAt = parseTime(issuedAt)
	d.StampedAt = parseNullTime(stampedAt)
	d.CancelledAt = parseNullTime(cancelledAt)
	d.CreatedAt = parseTime(createdAt)
	d.UpdatedAt = parseTime(updatedAt)
	return &d, nil
}

// =============================================================================
// UTILITY FUNCTIONS
// =============================================================================

// timeLayout fixes the fractional-second width. RFC3339Nano truncates
// trailing zeros, which breaks the lexicographic ordering the interval
// queries rely on ("...00.5Z" would sort before "...00Z").
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func timeStr(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return timeStr(*t)
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.ExtendedCode == sqlite3.ErrConstraintUnique
	}
	return false
}
