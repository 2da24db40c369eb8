package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for the local cache
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new cache store
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// --- users ---

const userColumns = `login, github_id, name, avatar_url, token,
			member_public_url, member_private_url, voting_credits, updated_at`

func scanUser(row pgx.Row) (*User, error) {
	u := &User{}
	err := row.Scan(
		&u.Login, &u.ID, &u.Name, &u.AvatarURL, &u.Token,
		&u.MemberPublicURL, &u.MemberPrivateURL, &u.VotingCredits, &u.UpdatedAt,
	)
	return u, err
}

// UpsertUser inserts or replaces the cached user row.
func (s *Store) UpsertUser(ctx context.Context, u *User) error {
	query := `
		INSERT INTO users (
			login, github_id, name, avatar_url, token,
			member_public_url, member_private_url, voting_credits
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (login) DO UPDATE SET
			github_id = EXCLUDED.github_id,
			name = EXCLUDED.name,
			avatar_url = EXCLUDED.avatar_url,
			token = EXCLUDED.token,
			member_public_url = EXCLUDED.member_public_url,
			member_private_url = EXCLUDED.member_private_url,
			voting_credits = EXCLUDED.voting_credits,
			updated_at = NOW()
		RETURNING updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		u.Login, u.ID, u.Name, u.AvatarURL, u.Token,
		u.MemberPublicURL, u.MemberPrivateURL, u.VotingCredits,
	).Scan(&u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert user: %w", err)
	}
	return nil
}

// GetUser returns the signed-in user (the most recently updated row).
func (s *Store) GetUser(ctx context.Context) (*User, error) {
	query := fmt.Sprintf(`SELECT %s FROM users ORDER BY updated_at DESC LIMIT 1`, userColumns)

	u, err := scanUser(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return u, nil
}

// UpdateVotingCredits stores a fresh credit balance for login.
func (s *Store) UpdateVotingCredits(ctx context.Context, login string, credits float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE users SET voting_credits = $2, updated_at = NOW() WHERE login = $1`,
		login, credits,
	)
	if err != nil {
		return fmt.Errorf("failed to update voting credits: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteUsers signs everyone out and drops their cached ballots.
func (s *Store) DeleteUsers(ctx context.Context) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM ballots`); err != nil {
			return fmt.Errorf("failed to delete ballots: %w", err)
		}
		if _, err := tx.Exec(ctx, `DELETE FROM users`); err != nil {
			return fmt.Errorf("failed to delete users: %w", err)
		}
		return nil
	})
}

// --- communities ---

const communityColumns = `url, name, project_url, gov_public_url, gov_private_url,
			branch, config_path, selected, is_member, is_maintainer,
			join_request_url, updated_at`

func scanCommunity(row pgx.Row) (*Community, error) {
	c := &Community{}
	err := row.Scan(
		&c.URL, &c.Name, &c.ProjectURL, &c.GovPublicURL, &c.GovPrivateURL,
		&c.Branch, &c.ConfigPath, &c.Selected, &c.IsMember, &c.IsMaintainer,
		&c.JoinRequestURL, &c.UpdatedAt,
	)
	return c, err
}

// UpsertCommunity inserts or replaces a community. The selected flag is
// owned by SelectCommunity and left untouched on update.
func (s *Store) UpsertCommunity(ctx context.Context, c *Community) error {
	query := `
		INSERT INTO communities (
			url, name, project_url, gov_public_url, gov_private_url,
			branch, config_path, is_member, is_maintainer, join_request_url
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (url) DO UPDATE SET
			name = EXCLUDED.name,
			project_url = EXCLUDED.project_url,
			gov_public_url = EXCLUDED.gov_public_url,
			gov_private_url = EXCLUDED.gov_private_url,
			branch = EXCLUDED.branch,
			config_path = EXCLUDED.config_path,
			is_member = EXCLUDED.is_member,
			is_maintainer = EXCLUDED.is_maintainer,
			join_request_url = EXCLUDED.join_request_url,
			updated_at = NOW()
		RETURNING selected, updated_at
	`
	err := s.pool.QueryRow(ctx, query,
		c.URL, c.Name, c.ProjectURL, c.GovPublicURL, c.GovPrivateURL,
		c.Branch, c.ConfigPath, c.IsMember, c.IsMaintainer, c.JoinRequestURL,
	).Scan(&c.Selected, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert community: %w", err)
	}
	return nil
}

// GetCommunity returns the community keyed by url.
func (s *Store) GetCommunity(ctx context.Context, url string) (*Community, error) {
	query := fmt.Sprintf(`SELECT %s FROM communities WHERE url = $1`, communityColumns)

	c, err := scanCommunity(s.pool.QueryRow(ctx, query, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get community: %w", err)
	}
	return c, nil
}

// GetSelectedCommunity returns the community currently in use.
func (s *Store) GetSelectedCommunity(ctx context.Context) (*Community, error) {
	query := fmt.Sprintf(`SELECT %s FROM communities WHERE selected LIMIT 1`, communityColumns)

	c, err := scanCommunity(s.pool.QueryRow(ctx, query))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get selected community: %w", err)
	}
	return c, nil
}

// ListCommunities returns every cached community ordered by name.
func (s *Store) ListCommunities(ctx context.Context) ([]*Community, error) {
	query := fmt.Sprintf(`SELECT %s FROM communities ORDER BY name ASC, url ASC`, communityColumns)

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list communities: %w", err)
	}
	defer rows.Close()

	communities := []*Community{}
	for rows.Next() {
		c, err := scanCommunity(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan community: %w", err)
		}
		communities = append(communities, c)
	}
	return communities, rows.Err()
}

// SelectCommunity marks url as the only selected community.
func (s *Store) SelectCommunity(ctx context.Context, url string) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE communities SET selected = FALSE WHERE selected AND url <> $1`, url); err != nil {
			return fmt.Errorf("failed to clear selection: %w", err)
		}
		tag, err := tx.Exec(ctx, `UPDATE communities SET selected = TRUE, updated_at = NOW() WHERE url = $1`, url)
		if err != nil {
			return fmt.Errorf("failed to select community: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeleteCommunity removes a community; its ballots and policies cascade.
func (s *Store) DeleteCommunity(ctx context.Context, url string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM communities WHERE url = $1`, url)
	if err != nil {
		return fmt.Errorf("failed to delete community: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- ballots ---

var ballotColumnNames = []string{
	"community_url", "user_login", "identifier", "label", "title", "description",
	"issue_url", "choices", "score", "tallied_score", "tallied_credits",
	"pending_score_diff", "pending_credits", "status", "fetched_at",
}

var ballotColumns = strings.Join(ballotColumnNames, ", ")

func ballotValues(b *Ballot) []any {
	choices := b.Choices
	if choices == nil {
		choices = []string{}
	}
	return []any{
		b.CommunityURL, b.User, b.Identifier, b.Label, b.Title, b.Description,
		b.IssueURL, choices, b.Score, b.TalliedScore, b.TalliedCredits,
		b.PendingScoreDiff, b.PendingCredits, string(b.Status), b.FetchedAt,
	}
}

func scanBallot(row pgx.Row) (*Ballot, error) {
	b := &Ballot{}
	var status string
	err := row.Scan(
		&b.CommunityURL, &b.User, &b.Identifier, &b.Label, &b.Title, &b.Description,
		&b.IssueURL, &b.Choices, &b.Score, &b.TalliedScore, &b.TalliedCredits,
		&b.PendingScoreDiff, &b.PendingCredits, &status, &b.FetchedAt,
	)
	b.Status = BallotStatus(status)
	return b, err
}

func stampFetched(ballots []*Ballot) {
	now := time.Now().UTC()
	for _, b := range ballots {
		if b.FetchedAt.IsZero() {
			b.FetchedAt = now
		}
	}
}

// ReplaceBallots rewrites every ballot row for (communityURL, user): all
// existing rows are deleted, then the new set is bulk-copied in. The two
// steps are not transactional, so a concurrent reader may see an empty set.
func (s *Store) ReplaceBallots(ctx context.Context, communityURL, user string, ballots []*Ballot) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM ballots WHERE community_url = $1 AND user_login = $2`,
		communityURL, user,
	)
	if err != nil {
		return fmt.Errorf("failed to clear ballots: %w", err)
	}
	if len(ballots) == 0 {
		return nil
	}

	stampFetched(ballots)
	rows := make([][]any, 0, len(ballots))
	for _, b := range ballots {
		b.CommunityURL = communityURL
		b.User = user
		rows = append(rows, ballotValues(b))
	}

	_, err = s.pool.CopyFrom(ctx, pgx.Identifier{"ballots"}, ballotColumnNames, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("failed to insert ballots: %w", err)
	}
	return nil
}

// ReplaceBallot rewrites a single ballot row wholesale.
func (s *Store) ReplaceBallot(ctx context.Context, b *Ballot) error {
	stampFetched([]*Ballot{b})
	query := fmt.Sprintf(`
		INSERT INTO ballots (%s)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		ON CONFLICT (community_url, user_login, identifier) DO UPDATE SET
			label = EXCLUDED.label,
			title = EXCLUDED.title,
			description = EXCLUDED.description,
			issue_url = EXCLUDED.issue_url,
			choices = EXCLUDED.choices,
			score = EXCLUDED.score,
			tallied_score = EXCLUDED.tallied_score,
			tallied_credits = EXCLUDED.tallied_credits,
			pending_score_diff = EXCLUDED.pending_score_diff,
			pending_credits = EXCLUDED.pending_credits,
			status = EXCLUDED.status,
			fetched_at = EXCLUDED.fetched_at
	`, ballotColumns)

	if _, err := s.pool.Exec(ctx, query, ballotValues(b)...); err != nil {
		return fmt.Errorf("failed to replace ballot %s: %w", b.Identifier, err)
	}
	return nil
}

// GetBallot returns one cached ballot.
func (s *Store) GetBallot(ctx context.Context, communityURL, user, identifier string) (*Ballot, error) {
	query := fmt.Sprintf(
		`SELECT %s FROM ballots WHERE community_url = $1 AND user_login = $2 AND identifier = $3`,
		ballotColumns,
	)

	b, err := scanBallot(s.pool.QueryRow(ctx, query, communityURL, user, identifier))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get ballot: %w", err)
	}
	return b, nil
}

// ListBallots returns ballots matching filter, highest score first.
func (s *Store) ListBallots(ctx context.Context, filter BallotFilter) ([]*Ballot, error) {
	query := fmt.Sprintf(`SELECT %s FROM ballots WHERE 1=1`, ballotColumns)

	args := []any{}
	argPos := 1

	if filter.CommunityURL != "" {
		query += fmt.Sprintf(" AND community_url = $%d", argPos)
		args = append(args, filter.CommunityURL)
		argPos++
	}
	if filter.User != "" {
		query += fmt.Sprintf(" AND user_login = $%d", argPos)
		args = append(args, filter.User)
		argPos++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argPos)
		args = append(args, string(filter.Status))
		argPos++
	}
	if filter.Label != "" {
		query += fmt.Sprintf(" AND label = $%d", argPos)
		args = append(args, filter.Label)
		argPos++
	}
	if filter.Search != "" {
		query += fmt.Sprintf(" AND (title ILIKE $%d OR description ILIKE $%d OR identifier ILIKE $%d)", argPos, argPos, argPos)
		args = append(args, "%"+escapeLike(filter.Search)+"%")
		argPos++
	}

	query += " ORDER BY score DESC, identifier ASC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argPos)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list ballots: %w", err)
	}
	defer rows.Close()

	ballots := []*Ballot{}
	for rows.Next() {
		b, err := scanBallot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan ballot: %w", err)
		}
		ballots = append(ballots, b)
	}
	return ballots, rows.Err()
}

// CountBallots returns the total number of cached ballot rows.
func (s *Store) CountBallots(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM ballots`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count ballots: %w", err)
	}
	return n, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// --- policies ---

// ReplacePolicies rewrites the cached policies for a community.
func (s *Store) ReplacePolicies(ctx context.Context, communityURL string, policies []*Policy) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM policies WHERE community_url = $1`, communityURL); err != nil {
			return fmt.Errorf("failed to clear policies: %w", err)
		}

		batch := &pgx.Batch{}
		for _, p := range policies {
			p.CommunityURL = communityURL
			batch.Queue(
				`INSERT INTO policies (community_url, name, title, description, kind) VALUES ($1, $2, $3, $4, $5)`,
				p.CommunityURL, p.Name, p.Title, p.Description, p.Kind,
			)
		}
		if batch.Len() == 0 {
			return nil
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("failed to insert policies: %w", err)
		}
		return nil
	})
}

// ListPolicies returns the cached policies for a community.
func (s *Store) ListPolicies(ctx context.Context, communityURL string) ([]*Policy, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT community_url, name, title, description, kind FROM policies WHERE community_url = $1 ORDER BY name`,
		communityURL,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list policies: %w", err)
	}
	defer rows.Close()

	policies := []*Policy{}
	for rows.Next() {
		p := &Policy{}
		if err := rows.Scan(&p.CommunityURL, &p.Name, &p.Title, &p.Description, &p.Kind); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}
		policies = append(policies, p)
	}
	return policies, rows.Err()
}
