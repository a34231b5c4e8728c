package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/AlmaLinux/astra-elections/pkg/chain"
)

const uniqueViolationCode = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode
}

// PostgresRepository implements Repository on a pgx connection pool.
type PostgresRepository struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresRepository connects, verifies the connection, and applies the
// schema.
func NewPostgresRepository(ctx context.Context, connStr string, logger *zap.Logger) (*PostgresRepository, error) {
	config, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	config.MaxConns = 10
	config.MinConns = 2
	config.MaxConnLifetime = time.Hour
	config.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	if err := InitSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &PostgresRepository{pool: pool, logger: logger}, nil
}

// Close releases all database resources.
func (r *PostgresRepository) Close() {
	r.pool.Close()
}

// Pool exposes the underlying connection pool for stores that share it.
func (r *PostgresRepository) Pool() *pgxpool.Pool {
	return r.pool
}

func (r *PostgresRepository) CreateElection(ctx context.Context, e *Election) error {
	if e.State == "" {
		e.State = StateDraft
	}
	if err := e.Validate(); err != nil {
		return fmt.Errorf("validating election: %w", err)
	}

	query := `
		INSERT INTO elections (title, description, state, start_at, end_at, seats,
			quorum_percent, restriction_group, chain_head)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		e.Title, e.Description, e.State, e.StartAt, e.EndAt, e.Seats,
		e.QuorumPercent, e.RestrictionGroup, e.ChainHead,
	).Scan(&e.ID, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting election: %w", err)
	}
	return nil
}

func (r *PostgresRepository) GetElection(ctx context.Context, id int64) (*Election, error) {
	query := `
		SELECT id, title, description, state, start_at, end_at, seats,
			quorum_percent, restriction_group, chain_head, tally_result,
			created_at, updated_at
		FROM elections WHERE id = $1`

	return scanElection(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresRepository) ListElectionsByState(ctx context.Context, state ElectionState) ([]*Election, error) {
	query := `
		SELECT id, title, description, state, start_at, end_at, seats,
			quorum_percent, restriction_group, chain_head, tally_result,
			created_at, updated_at
		FROM elections WHERE state = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, state)
	if err != nil {
		return nil, fmt.Errorf("listing elections: %w", err)
	}
	defer rows.Close()

	elections := make([]*Election, 0)
	for rows.Next() {
		e, err := scanElection(rows)
		if err != nil {
			return nil, err
		}
		elections = append(elections, e)
	}
	return elections, rows.Err()
}

func (r *PostgresRepository) UpdateElection(ctx context.Context, e *Election) error {
	if err := e.Validate(); err != nil {
		return fmt.Errorf("validating election: %w", err)
	}

	query := `
		UPDATE elections
		SET title = $2, description = $3, state = $4, start_at = $5, end_at = $6,
			seats = $7, quorum_percent = $8, restriction_group = $9,
			chain_head = $10, tally_result = $11, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err := r.pool.QueryRow(ctx, query,
		e.ID, e.Title, e.Description, e.State, e.StartAt, e.EndAt,
		e.Seats, e.QuorumPercent, e.RestrictionGroup, e.ChainHead, e.TallyResult,
	).Scan(&e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("updating election: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanElection(row rowScanner) (*Election, error) {
	var e Election
	err := row.Scan(&e.ID, &e.Title, &e.Description, &e.State, &e.StartAt, &e.EndAt,
		&e.Seats, &e.QuorumPercent, &e.RestrictionGroup, &e.ChainHead, &e.TallyResult,
		&e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning election: %w", err)
	}
	return &e, nil
}

func (r *PostgresRepository) CreateCandidate(ctx context.Context, c *Candidate) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("validating candidate: %w", err)
	}

	query := `
		INSERT INTO candidates (election_id, name, tiebreak_key)
		VALUES ($1, $2, $3)
		RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query, c.ElectionID, c.Name, c.TiebreakKey).
		Scan(&c.ID, &c.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("candidate %q: %w", c.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting candidate: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListCandidates(ctx context.Context, electionID int64) ([]*Candidate, error) {
	query := `
		SELECT id, election_id, name, tiebreak_key, created_at
		FROM candidates WHERE election_id = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, electionID)
	if err != nil {
		return nil, fmt.Errorf("listing candidates: %w", err)
	}
	defer rows.Close()

	candidates := make([]*Candidate, 0)
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.ElectionID, &c.Name, &c.TiebreakKey, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning candidate: %w", err)
		}
		candidates = append(candidates, &c)
	}
	return candidates, rows.Err()
}

func (r *PostgresRepository) SetCandidateTiebreakKey(ctx context.Context, candidateID int64, key uuid.UUID) error {
	// Assigned once at open; never overwritten.
	tag, err := r.pool.Exec(ctx,
		`UPDATE candidates SET tiebreak_key = $2 WHERE id = $1 AND tiebreak_key IS NULL`,
		candidateID, key)
	if err != nil {
		return fmt.Errorf("setting tiebreak key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM candidates WHERE id = $1)`, candidateID).Scan(&exists); err != nil {
			return fmt.Errorf("checking candidate: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (r *PostgresRepository) CreateExclusionGroup(ctx context.Context, g *ExclusionGroup) error {
	if err := g.Validate(); err != nil {
		return fmt.Errorf("validating exclusion group: %w", err)
	}
	if g.PublicID == uuid.Nil {
		g.PublicID = uuid.New()
	}

	query := `
		INSERT INTO exclusion_groups (election_id, public_id, name, max_elected, candidate_ids)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`

	err := r.pool.QueryRow(ctx, query,
		g.ElectionID, g.PublicID, g.Name, g.MaxElected, g.CandidateIDs,
	).Scan(&g.ID, &g.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("exclusion group %q: %w", g.Name, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("inserting exclusion group: %w", err)
	}
	return nil
}

func (r *PostgresRepository) ListExclusionGroups(ctx context.Context, electionID int64) ([]*ExclusionGroup, error) {
	query := `
		SELECT id, election_id, public_id, name, max_elected, candidate_ids, created_at
		FROM exclusion_groups WHERE election_id = $1 ORDER BY id`

	rows, err := r.pool.Query(ctx, query, electionID)
	if err != nil {
		return nil, fmt.Errorf("listing exclusion groups: %w", err)
	}
	defer rows.Close()

	groups := make([]*ExclusionGroup, 0)
	for rows.Next() {
		var g ExclusionGroup
		if err := rows.Scan(&g.ID, &g.ElectionID, &g.PublicID, &g.Name, &g.MaxElected,
			&g.CandidateIDs, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning exclusion group: %w", err)
		}
		groups = append(groups, &g)
	}
	return groups, rows.Err()
}

func (r *PostgresRepository) UpsertCredential(ctx context.Context, c *VotingCredential) (*VotingCredential, error) {
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validating credential: %w", err)
	}
	if c.Subject == nil || *c.Subject == "" {
		return nil, fmt.Errorf("%w: credential subject is required at issue time", ErrInvalidData)
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := getCredentialBySubject(ctx, tx, c.ElectionID, *c.Subject, true)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		if existing.Weight != c.Weight {
			if _, err := tx.Exec(ctx,
				`UPDATE voting_credentials SET weight = $2 WHERE id = $1`,
				existing.ID, c.Weight); err != nil {
				return nil, fmt.Errorf("updating credential weight: %w", err)
			}
			existing.Weight = c.Weight
		}
		if err := tx.Commit(ctx); err != nil {
			return nil, fmt.Errorf("committing transaction: %w", err)
		}
		return existing, nil
	}

	query := `
		INSERT INTO voting_credentials (election_id, public_id, subject, weight)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	err = tx.QueryRow(ctx, query, c.ElectionID, c.PublicID, c.Subject, c.Weight).
		Scan(&c.ID, &c.CreatedAt)
	if isUniqueViolation(err) {
		// Concurrent issuance for the same subject. The row exists now;
		// return it after the weight check, the same way a lost race on the
		// first fetch would have.
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return nil, fmt.Errorf("rolling back after duplicate: %w", rbErr)
		}
		return r.UpsertCredential(ctx, c)
	}
	if err != nil {
		return nil, fmt.Errorf("inserting credential: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return c, nil
}

func getCredentialBySubject(ctx context.Context, tx pgx.Tx, electionID int64, subject string, forUpdate bool) (*VotingCredential, error) {
	query := `
		SELECT id, election_id, public_id, subject, weight, created_at
		FROM voting_credentials WHERE election_id = $1 AND subject = $2`
	if forUpdate {
		query += " FOR UPDATE"
	}

	var c VotingCredential
	err := tx.QueryRow(ctx, query, electionID, subject).
		Scan(&c.ID, &c.ElectionID, &c.PublicID, &c.Subject, &c.Weight, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching credential by subject: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) GetCredential(ctx context.Context, electionID int64, publicID string) (*VotingCredential, error) {
	query := `
		SELECT id, election_id, public_id, subject, weight, created_at
		FROM voting_credentials WHERE election_id = $1 AND public_id = $2`

	var c VotingCredential
	err := r.pool.QueryRow(ctx, query, electionID, publicID).
		Scan(&c.ID, &c.ElectionID, &c.PublicID, &c.Subject, &c.Weight, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("fetching credential: %w", err)
	}
	return &c, nil
}

func (r *PostgresRepository) CredentialTotals(ctx context.Context, electionID int64) (int, int, error) {
	var count, weight int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(weight), 0)
		FROM voting_credentials WHERE election_id = $1 AND weight > 0`, electionID).
		Scan(&count, &weight)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregating credentials: %w", err)
	}
	return count, weight, nil
}

func (r *PostgresRepository) AnonymizeCredentials(ctx context.Context, electionID int64) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE voting_credentials SET subject = NULL
		WHERE election_id = $1 AND subject IS NOT NULL`, electionID)
	if err != nil {
		return 0, fmt.Errorf("anonymizing credentials: %w", err)
	}
	return tag.RowsAffected(), nil
}

// AppendBallot performs the serialized ledger append. The election row lock
// makes "read head, compute chain hash, insert" atomic; without it two
// submissions could both extend the same head and fork the chain.
func (r *PostgresRepository) AppendBallot(ctx context.Context, sub BallotSubmission) (*Ballot, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var electionID int64
	err = tx.QueryRow(ctx, `SELECT id FROM elections WHERE id = $1 FOR UPDATE`, sub.ElectionID).
		Scan(&electionID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking election: %w", err)
	}

	var weight int
	err = tx.QueryRow(ctx, `
		SELECT weight FROM voting_credentials
		WHERE election_id = $1 AND public_id = $2 FOR UPDATE`,
		sub.ElectionID, sub.CredentialPublicID).Scan(&weight)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("locking credential: %w", err)
	}

	var head string
	err = tx.QueryRow(ctx, `
		SELECT chain_hash FROM ballots
		WHERE election_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`,
		sub.ElectionID).Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		head = chain.GenesisHash(sub.ElectionID)
	} else if err != nil {
		return nil, fmt.Errorf("reading chain head: %w", err)
	}
	if sub.ExpectedHead != "" && sub.ExpectedHead != head {
		return nil, fmt.Errorf("%w: expected %s, head is %s", ErrStaleHead, sub.ExpectedHead, head)
	}

	ballot := &Ballot{
		ElectionID:         sub.ElectionID,
		CredentialPublicID: sub.CredentialPublicID,
		Ranking:            sub.Ranking,
		Weight:             weight,
		BallotHash:         sub.BallotHash,
		PreviousChainHash:  head,
		ChainHash:          chain.NextHash(head, sub.BallotHash),
		IsCounted:          true,
	}
	if err := ballot.Validate(); err != nil {
		return nil, fmt.Errorf("validating ballot: %w", err)
	}

	var currentID *int64
	err = tx.QueryRow(ctx, `
		SELECT id FROM ballots
		WHERE election_id = $1 AND credential_public_id = $2 AND superseded_by IS NULL
		ORDER BY id DESC LIMIT 1 FOR UPDATE`,
		sub.ElectionID, sub.CredentialPublicID).Scan(&currentID)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("locking current ballot: %w", err)
	}

	if currentID == nil {
		err = tx.QueryRow(ctx, `
			INSERT INTO ballots (election_id, credential_public_id, ranking, weight,
				ballot_hash, previous_chain_hash, chain_hash, is_counted)
			VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE)
			RETURNING id, created_at`,
			ballot.ElectionID, ballot.CredentialPublicID, ballot.Ranking, ballot.Weight,
			ballot.BallotHash, ballot.PreviousChainHash, ballot.ChainHash,
		).Scan(&ballot.ID, &ballot.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("inserting ballot: %w", err)
		}
	} else {
		// The partial unique index allows one non-superseded ballot per
		// credential, so the new row starts in a temporary superseded state
		// and the pointers are flipped afterwards.
		err = tx.QueryRow(ctx, `
			INSERT INTO ballots (election_id, credential_public_id, ranking, weight,
				ballot_hash, previous_chain_hash, chain_hash, is_counted, superseded_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE, $8)
			RETURNING id, created_at`,
			ballot.ElectionID, ballot.CredentialPublicID, ballot.Ranking, ballot.Weight,
			ballot.BallotHash, ballot.PreviousChainHash, ballot.ChainHash, *currentID,
		).Scan(&ballot.ID, &ballot.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("inserting superseding ballot: %w", err)
		}

		if _, err := tx.Exec(ctx, `
			UPDATE ballots SET superseded_by = $2, is_counted = FALSE WHERE id = $1`,
			*currentID, ballot.ID); err != nil {
			return nil, fmt.Errorf("superseding previous ballot: %w", err)
		}
		if _, err := tx.Exec(ctx, `
			UPDATE ballots SET superseded_by = NULL, is_counted = TRUE WHERE id = $1`,
			ballot.ID); err != nil {
			return nil, fmt.Errorf("promoting new ballot: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing ballot: %w", err)
	}
	return ballot, nil
}

const ballotColumns = `id, election_id, credential_public_id, ranking, weight,
	ballot_hash, previous_chain_hash, chain_hash, is_counted, superseded_by, created_at`

func (r *PostgresRepository) ListBallots(ctx context.Context, electionID int64) ([]*Ballot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ballotColumns+` FROM ballots WHERE election_id = $1 ORDER BY created_at, id`,
		electionID)
	if err != nil {
		return nil, fmt.Errorf("listing ballots: %w", err)
	}
	defer rows.Close()
	return scanBallots(rows)
}

func (r *PostgresRepository) ListCountedBallots(ctx context.Context, electionID int64) ([]*Ballot, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+ballotColumns+` FROM ballots
		 WHERE election_id = $1 AND superseded_by IS NULL ORDER BY created_at, id`,
		electionID)
	if err != nil {
		return nil, fmt.Errorf("listing counted ballots: %w", err)
	}
	defer rows.Close()
	return scanBallots(rows)
}

func scanBallots(rows pgx.Rows) ([]*Ballot, error) {
	ballots := make([]*Ballot, 0)
	for rows.Next() {
		var b Ballot
		if err := rows.Scan(&b.ID, &b.ElectionID, &b.CredentialPublicID, &b.Ranking,
			&b.Weight, &b.BallotHash, &b.PreviousChainHash, &b.ChainHash,
			&b.IsCounted, &b.SupersededBy, &b.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning ballot: %w", err)
		}
		ballots = append(ballots, &b)
	}
	return ballots, rows.Err()
}

func (r *PostgresRepository) CountedBallotTotals(ctx context.Context, electionID int64) (int, int, error) {
	var count, weight int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(weight), 0)
		FROM ballots WHERE election_id = $1 AND superseded_by IS NULL`, electionID).
		Scan(&count, &weight)
	if err != nil {
		return 0, 0, fmt.Errorf("aggregating ballots: %w", err)
	}
	return count, weight, nil
}

func (r *PostgresRepository) ChainHead(ctx context.Context, electionID int64) (string, error) {
	var head string
	err := r.pool.QueryRow(ctx, `
		SELECT chain_hash FROM ballots
		WHERE election_id = $1 ORDER BY created_at DESC, id DESC LIMIT 1`, electionID).
		Scan(&head)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading chain head: %w", err)
	}
	return head, nil
}

func (r *PostgresRepository) AppendAudit(ctx context.Context, entry *AuditLogEntry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("validating audit entry: %w", err)
	}
	if entry.Payload == nil {
		entry.Payload = map[string]any{}
	}

	err := r.pool.QueryRow(ctx, `
		INSERT INTO audit_log_entries (election_id, event_type, payload, is_public)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`,
		entry.ElectionID, entry.EventType, entry.Payload, entry.IsPublic,
	).Scan(&entry.ID, &entry.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func (r *PostgresRepository) HasAuditEvent(ctx context.Context, electionID int64, eventType string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM audit_log_entries WHERE election_id = $1 AND event_type = $2
		)`, electionID, eventType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking audit event: %w", err)
	}
	return exists, nil
}

func (r *PostgresRepository) ListAuditEntries(ctx context.Context, electionID int64, publicOnly bool) ([]*AuditLogEntry, error) {
	query := `
		SELECT id, election_id, event_type, payload, is_public, created_at
		FROM audit_log_entries WHERE election_id = $1`
	if publicOnly {
		query += " AND is_public"
	}
	query += " ORDER BY created_at, id"

	rows, err := r.pool.Query(ctx, query, electionID)
	if err != nil {
		return nil, fmt.Errorf("listing audit entries: %w", err)
	}
	defer rows.Close()

	entries := make([]*AuditLogEntry, 0)
	for rows.Next() {
		var a AuditLogEntry
		if err := rows.Scan(&a.ID, &a.ElectionID, &a.EventType, &a.Payload,
			&a.IsPublic, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}
		entries = append(entries, &a)
	}
	return entries, rows.Err()
}
