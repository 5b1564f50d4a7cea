package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database with methods for jobs, organizations,
// contacts, and the credit ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "leadscout.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for tests and low-level integrations.
func (s *Store) DB() *sql.DB {
	return s.db
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func fmtNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return fmtTime(t)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339, s)
}

func parseNullableTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	return parseTime(ns.String)
}

// --- Jobs ---

const jobColumns = `id, public_id, user_id, search_type, query, source, status,
	progress_phase, progress_completed, progress_total, progress_message,
	results_json, metadata_json, priority, retry_count, max_retries, last_error,
	created_at, updated_at, started_at, completed_at`

// CreateJob persists a new pending job row.
func (s *Store) CreateJob(job Job) error {
	now := fmtTime(time.Now())
	maxRetries := job.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	results := job.ResultsJSON
	if results == "" {
		results = "{}"
	}
	metadata := job.Metadata
	if metadata == "" {
		metadata = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO jobs (public_id, user_id, search_type, query, source, status,
			progress_phase, progress_completed, progress_total, progress_message,
			results_json, metadata_json, priority, retry_count, max_retries,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?)`,
		job.PublicID, job.UserID, string(job.SearchType), job.Query, job.Source,
		job.Progress.Phase, job.Progress.Completed, job.Progress.Total, job.Progress.Message,
		results, metadata, job.Priority, maxRetries, now, now,
	)
	return err
}

func (s *Store) scanJob(row interface{ Scan(...any) error }) (Job, error) {
	var j Job
	var searchType, status, createdAt, updatedAt string
	var startedAt, completedAt sql.NullString
	err := row.Scan(
		&j.ID, &j.PublicID, &j.UserID, &searchType, &j.Query, &j.Source, &status,
		&j.Progress.Phase, &j.Progress.Completed, &j.Progress.Total, &j.Progress.Message,
		&j.ResultsJSON, &j.Metadata, &j.Priority, &j.RetryCount, &j.MaxRetries, &j.LastError,
		&createdAt, &updatedAt, &startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.SearchType = SearchType(searchType)
	j.Status = JobStatus(status)
	if j.CreatedAt, err = parseTime(createdAt); err != nil {
		return Job{}, fmt.Errorf("parsing created_at for job %s: %w", j.PublicID, err)
	}
	if j.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return Job{}, fmt.Errorf("parsing updated_at for job %s: %w", j.PublicID, err)
	}
	if j.StartedAt, err = parseNullableTime(startedAt); err != nil {
		return Job{}, fmt.Errorf("parsing started_at for job %s: %w", j.PublicID, err)
	}
	if j.CompletedAt, err = parseNullableTime(completedAt); err != nil {
		return Job{}, fmt.Errorf("parsing completed_at for job %s: %w", j.PublicID, err)
	}
	return j, nil
}

// GetJob loads a job by its public correlation id.
func (s *Store) GetJob(publicID string) (Job, error) {
	row := s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE public_id = ?`, publicID)
	return s.scanJob(row)
}

func (s *Store) queryJobs(query string, args ...any) ([]Job, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := s.scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// ListJobs returns a user's jobs, newest first.
func (s *Store) ListJobs(userID int64, limit int) ([]Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`, userID, limit)
}

// GetPendingJobs returns claimable jobs ordered by priority then age.
func (s *Store) GetPendingJobs(limit int) ([]Job, error) {
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' ORDER BY priority DESC, created_at ASC LIMIT ?`, limit)
}

// GetStuckProcessingJobs returns jobs that have been in processing with no
// forward progress (no row update) for longer than timeout.
func (s *Store) GetStuckProcessingJobs(timeout time.Duration) ([]Job, error) {
	cutoff := fmtTime(time.Now().Add(-timeout))
	return s.queryJobs(`SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing' AND updated_at < ? ORDER BY updated_at ASC`, cutoff)
}

// ClaimJob atomically transitions a job from pending to processing.
// Returns false when the job was not pending — the caller must treat the
// execution as a no-op (idempotent dequeue).
func (s *Store) ClaimJob(publicID string) (bool, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'processing', started_at = ?, updated_at = ?
		WHERE public_id = ? AND status = 'pending'`, now, now, publicID)
	if err != nil {
		return false, fmt.Errorf("claiming job %s: %w", publicID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking claimed rows: %w", err)
	}
	return n == 1, nil
}

// UpdateJobProgress writes a new progress milestone onto the job row.
func (s *Store) UpdateJobProgress(publicID string, p Progress) error {
	res, err := s.db.Exec(`UPDATE jobs SET progress_phase = ?, progress_completed = ?,
		progress_total = ?, progress_message = ?, updated_at = ?
		WHERE public_id = ?`,
		p.Phase, p.Completed, p.Total, p.Message, fmtTime(time.Now()), publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateJobMessage replaces only the decorative progress message. The
// completed/total counters are deliberately untouched.
func (s *Store) UpdateJobMessage(publicID, message string) error {
	res, err := s.db.Exec(`UPDATE jobs SET progress_message = ?, updated_at = ?
		WHERE public_id = ?`, message, fmtTime(time.Now()), publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// UpdateJobResults overwrites the accumulated results payload.
func (s *Store) UpdateJobResults(publicID, resultsJSON string) error {
	res, err := s.db.Exec(`UPDATE jobs SET results_json = ?, updated_at = ?
		WHERE public_id = ?`, resultsJSON, fmtTime(time.Now()), publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// CompleteJob marks a processing job completed.
func (s *Store) CompleteJob(publicID string) error {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'completed', completed_at = ?, updated_at = ?
		WHERE public_id = ? AND status = 'processing'`, now, now, publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// statusSet renders a status list as the body of a SQL IN clause. Status
// values are fixed identifiers, never user input.
func statusSet(statuses []JobStatus) string {
	parts := make([]string, len(statuses))
	for i, st := range statuses {
		parts[i] = "'" + string(st) + "'"
	}
	return strings.Join(parts, ", ")
}

// FailJob marks a job permanently failed and records the error message.
// The guard keeps a racing writer from failing a job that already settled.
func (s *Store) FailJob(publicID, errMsg string) error {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'failed', last_error = ?, completed_at = ?, updated_at = ?
		WHERE public_id = ? AND status IN (`+statusSet(TransitionSources(StatusFailed))+`)`,
		errMsg, now, now, publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// RequeueJob returns a job to pending with an incremented retry count,
// recording the error that caused the requeue.
func (s *Store) RequeueJob(publicID, errMsg string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
		last_error = ?, updated_at = ?
		WHERE public_id = ? AND status IN (`+statusSet(TransitionSources(StatusPending))+`)`,
		errMsg, fmtTime(time.Now()), publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// ResetJobToPending clears a prior error and re-queues the job. Used by the
// manual retry operation and the stuck-job reclaim.
func (s *Store) ResetJobToPending(publicID string) error {
	res, err := s.db.Exec(`UPDATE jobs SET status = 'pending', retry_count = retry_count + 1,
		last_error = '', completed_at = NULL, updated_at = ?
		WHERE public_id = ? AND status IN (`+statusSet(TransitionSources(StatusPending))+`)`,
		fmtTime(time.Now()), publicID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// TerminateJob moves a pending or processing job to terminated.
// Returns false when the job was already terminal.
func (s *Store) TerminateJob(publicID, message string) (bool, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`UPDATE jobs SET status = 'terminated', progress_message = ?,
		completed_at = ?, updated_at = ?
		WHERE public_id = ? AND status IN ('pending', 'processing')`,
		message, now, now, publicID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// DeleteOldJobs removes terminal jobs whose completion predates cutoff and
// returns the number deleted.
func (s *Store) DeleteOldJobs(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM jobs
		WHERE status IN (`+statusSet(TerminalStatuses())+`) AND completed_at < ?`,
		fmtTime(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Organizations ---

// SaveOrganization inserts an organization discovered by a job.
func (s *Store) SaveOrganization(org Organization) error {
	_, err := s.db.Exec(`
		INSERT INTO organizations (id, job_public_id, user_id, name, domain, industry, location, description, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		org.ID, org.JobPublicID, org.UserID, org.Name, org.Domain, org.Industry,
		org.Location, org.Description, fmtTime(org.CreatedAt),
	)
	return err
}

// GetOrganization loads one organization by id.
func (s *Store) GetOrganization(id string) (Organization, error) {
	row := s.db.QueryRow(`
		SELECT id, job_public_id, user_id, name, domain, industry, location, description, created_at
		FROM organizations WHERE id = ?`, id)

	var o Organization
	var createdAt string
	err := row.Scan(&o.ID, &o.JobPublicID, &o.UserID, &o.Name, &o.Domain,
		&o.Industry, &o.Location, &o.Description, &createdAt)
	if err == sql.ErrNoRows {
		return Organization{}, ErrNotFound
	}
	if err != nil {
		return Organization{}, err
	}
	if o.CreatedAt, err = parseTime(createdAt); err != nil {
		return Organization{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return o, nil
}

// GetOrganizationsByJob returns the organizations a job discovered, oldest first.
func (s *Store) GetOrganizationsByJob(jobPublicID string) ([]Organization, error) {
	rows, err := s.db.Query(`
		SELECT id, job_public_id, user_id, name, domain, industry, location, description, created_at
		FROM organizations WHERE job_public_id = ? ORDER BY created_at ASC, id ASC`, jobPublicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []Organization
	for rows.Next() {
		var o Organization
		var createdAt string
		if err := rows.Scan(&o.ID, &o.JobPublicID, &o.UserID, &o.Name, &o.Domain,
			&o.Industry, &o.Location, &o.Description, &createdAt); err != nil {
			return nil, err
		}
		if o.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// --- Contacts ---

// SaveContact inserts a contact belonging to an organization.
func (s *Store) SaveContact(c Contact) error {
	searches := c.CompletedSearches
	if searches == "" {
		searches = "[]"
	}
	_, err := s.db.Exec(`
		INSERT INTO contacts (id, organization_id, full_name, title, email, linkedin_url,
			phone_number, probability, completed_searches, last_validated, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.OrganizationID, c.FullName, c.Title, c.Email, c.LinkedInURL,
		c.PhoneNumber, c.Probability, searches, fmtNullableTime(c.LastValidated),
		fmtTime(c.CreatedAt),
	)
	return err
}

// GetContact loads one contact by id.
func (s *Store) GetContact(id string) (Contact, error) {
	row := s.db.QueryRow(`
		SELECT id, organization_id, full_name, title, email, linkedin_url, phone_number,
			probability, completed_searches, last_validated, created_at
		FROM contacts WHERE id = ?`, id)
	return scanContact(row)
}

// GetContactsByOrganization returns an organization's contacts ranked by
// probability, best first.
func (s *Store) GetContactsByOrganization(orgID string) ([]Contact, error) {
	rows, err := s.db.Query(`
		SELECT id, organization_id, full_name, title, email, linkedin_url, phone_number,
			probability, completed_searches, last_validated, created_at
		FROM contacts WHERE organization_id = ? ORDER BY probability DESC, created_at ASC`, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	return contacts, rows.Err()
}

func scanContact(row interface{ Scan(...any) error }) (Contact, error) {
	var c Contact
	var lastValidated sql.NullString
	var createdAt string
	err := row.Scan(&c.ID, &c.OrganizationID, &c.FullName, &c.Title, &c.Email,
		&c.LinkedInURL, &c.PhoneNumber, &c.Probability, &c.CompletedSearches,
		&lastValidated, &createdAt)
	if err == sql.ErrNoRows {
		return Contact{}, ErrNotFound
	}
	if err != nil {
		return Contact{}, err
	}
	if c.LastValidated, err = parseNullableTime(lastValidated); err != nil {
		return Contact{}, fmt.Errorf("parsing last_validated: %w", err)
	}
	if c.CreatedAt, err = parseTime(createdAt); err != nil {
		return Contact{}, fmt.Errorf("parsing created_at: %w", err)
	}
	return c, nil
}

// FillContactEmail sets a contact's email only when none is present yet, so a
// lower-confidence source can never clobber an existing address. A missing
// linkedin URL is filled opportunistically in the same write. Returns true
// when the email was applied.
func (s *Store) FillContactEmail(id, email, linkedinURL string) (bool, error) {
	now := fmtTime(time.Now())
	res, err := s.db.Exec(`UPDATE contacts SET email = ?,
		linkedin_url = CASE WHEN linkedin_url = '' AND ? != '' THEN ? ELSE linkedin_url END,
		last_validated = ?
		WHERE id = ? AND email = ''`,
		email, linkedinURL, linkedinURL, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// AppendCompletedSearch records a provider/search marker on the contact.
// Appending an already-present marker is a no-op.
func (s *Store) AppendCompletedSearch(id, marker string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning marker transaction: %w", err)
	}
	defer tx.Rollback()

	markers, err := readMarkers(tx, id)
	if err != nil {
		return err
	}
	if slices.Contains(markers, marker) {
		return tx.Commit()
	}
	markers = append(markers, marker)
	if err := writeMarkers(tx, id, markers); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplySearchPenalty decrements the contact's probability (floored at zero)
// and appends the marker, all at most once: if the marker is already present
// the penalty is not reapplied. Returns true when the penalty was applied.
func (s *Store) ApplySearchPenalty(id, marker string) (bool, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning penalty transaction: %w", err)
	}
	defer tx.Rollback()

	markers, err := readMarkers(tx, id)
	if err != nil {
		return false, err
	}
	if slices.Contains(markers, marker) {
		return false, tx.Commit()
	}

	if _, err := tx.Exec(`UPDATE contacts SET probability = MAX(probability - 1, 0) WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("decrementing probability: %w", err)
	}
	markers = append(markers, marker)
	if err := writeMarkers(tx, id, markers); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return true, nil
}

func readMarkers(tx *sql.Tx, id string) ([]string, error) {
	var raw string
	err := tx.QueryRow(`SELECT completed_searches FROM contacts WHERE id = ?`, id).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var markers []string
	if err := json.Unmarshal([]byte(raw), &markers); err != nil {
		return nil, fmt.Errorf("parsing completed_searches for contact %s: %w", id, err)
	}
	return markers, nil
}

func writeMarkers(tx *sql.Tx, id string, markers []string) error {
	b, err := json.Marshal(markers)
	if err != nil {
		return fmt.Errorf("marshalling completed_searches: %w", err)
	}
	if _, err := tx.Exec(`UPDATE contacts SET completed_searches = ? WHERE id = ?`, string(b), id); err != nil {
		return fmt.Errorf("writing completed_searches: %w", err)
	}
	return nil
}

// --- Credits ---

// CreditBalance is the current state of a user's credit ledger row.
type CreditBalance struct {
	UserID    int64
	Balance   int
	TotalUsed int
}

// GetCredits returns the user's ledger row; a user with no row has zero balance.
func (s *Store) GetCredits(userID int64) (CreditBalance, error) {
	var cb CreditBalance
	err := s.db.QueryRow(`SELECT user_id, balance, total_used FROM credits WHERE user_id = ?`, userID).
		Scan(&cb.UserID, &cb.Balance, &cb.TotalUsed)
	if err == sql.ErrNoRows {
		return CreditBalance{UserID: userID}, nil
	}
	if err != nil {
		return CreditBalance{}, err
	}
	return cb, nil
}

// AddCredits increases a user's balance, creating the ledger row if needed.
func (s *Store) AddCredits(userID int64, amount int) error {
	now := fmtTime(time.Now())
	_, err := s.db.Exec(`
		INSERT INTO credits (user_id, balance, total_used, updated_at) VALUES (?, ?, 0, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance, updated_at = excluded.updated_at`,
		userID, amount, now)
	return err
}

// DeductCredits transactionally removes amount from the user's balance.
// Fails when the balance would go negative.
func (s *Store) DeductCredits(userID int64, amount int) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning deduct transaction: %w", err)
	}
	defer tx.Rollback()

	var balance int
	err = tx.QueryRow(`SELECT balance FROM credits WHERE user_id = ?`, userID).Scan(&balance)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if balance < amount {
		return fmt.Errorf("balance %d is below %d", balance, amount)
	}

	if _, err := tx.Exec(`UPDATE credits SET balance = balance - ?, total_used = total_used + ?, updated_at = ?
		WHERE user_id = ?`, amount, amount, fmtTime(time.Now()), userID); err != nil {
		return err
	}
	return tx.Commit()
}
