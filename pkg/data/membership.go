package data

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/AlmaLinux/astra-elections/pkg/eligibility"
)

// PostgresMembershipStore reads vote-bearing membership rows and presents
// them as eligibility facts. Individual memberships carry their subject
// directly; organization-held ones are attributed to the organization's
// representative.
type PostgresMembershipStore struct {
	pool *pgxpool.Pool
}

func NewPostgresMembershipStore(pool *pgxpool.Pool) *PostgresMembershipStore {
	return &PostgresMembershipStore{pool: pool}
}

var _ eligibility.MembershipProvider = (*PostgresMembershipStore)(nil)

func (s *PostgresMembershipStore) MembershipFacts(ctx context.Context) ([]eligibility.MembershipFact, error) {
	query := `
		SELECT subject, organization, representative, label, weight, term_start, expires_at
		FROM memberships
		WHERE enabled AND weight > 0
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying memberships: %w", err)
	}
	defer rows.Close()

	facts := make([]eligibility.MembershipFact, 0)
	for rows.Next() {
		var m Membership
		if err := rows.Scan(&m.Subject, &m.Organization, &m.Representative,
			&m.Label, &m.Weight, &m.TermStart, &m.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scanning membership: %w", err)
		}
		fact, ok := factFromMembership(&m)
		if !ok {
			continue
		}
		facts = append(facts, fact)
	}
	return facts, rows.Err()
}

func factFromMembership(m *Membership) (eligibility.MembershipFact, bool) {
	fact := eligibility.MembershipFact{
		Label:     m.Label,
		Weight:    m.Weight,
		TermStart: m.TermStart,
		ExpiresAt: m.ExpiresAt,
	}
	switch {
	case m.Subject != "":
		fact.Subject = m.Subject
	case m.Organization != "" && m.Representative != "":
		fact.Subject = m.Representative
		fact.Organization = m.Organization
	default:
		return eligibility.MembershipFact{}, false
	}
	return fact, true
}
