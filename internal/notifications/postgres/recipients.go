package postgres

import (
	"context"
	"fmt"

	"github.com/bissquit/referral-notifier/internal/domain"
	"github.com/jackc/pgx/v5/pgxpool"
)

// RecipientResolver implements notifications.RecipientResolver over the
// platform's users and work_experiences tables.
type RecipientResolver struct {
	db *pgxpool.Pool
}

// NewRecipientResolver creates a new PostgreSQL recipient resolver.
func NewRecipientResolver(db *pgxpool.Pool) *RecipientResolver {
	return &RecipientResolver{db: db}
}

// FindOrganizationReferrers returns active users with a current, verified
// work experience at the organization.
func (r *RecipientResolver) FindOrganizationReferrers(ctx context.Context, organizationID, excludeUserID string) ([]domain.RecipientUser, error) {
	var exclude *string
	if excludeUserID != "" {
		exclude = &excludeUserID
	}

	query := `
		SELECT DISTINCT u.id, u.email, COALESCE(u.name, '')
		FROM work_experiences we
		JOIN users u ON u.id = we.user_id
		WHERE we.organization_id = $1
		  AND we.is_current = true
		  AND we.is_verified = true
		  AND u.is_active = true
		  AND ($2::uuid IS NULL OR u.id <> $2::uuid)
		ORDER BY u.id
	`
	rows, err := r.db.Query(ctx, query, organizationID, exclude)
	if err != nil {
		return nil, fmt.Errorf("find organization referrers: %w", err)
	}
	defer rows.Close()

	users := make([]domain.RecipientUser, 0)
	for rows.Next() {
		var u domain.RecipientUser
		if err := rows.Scan(&u.UserID, &u.Email, &u.Name); err != nil {
			return nil, fmt.Errorf("scan referrer: %w", err)
		}
		users = append(users, u)
	}

	return users, rows.Err()
}
