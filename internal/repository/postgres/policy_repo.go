package postgres

/*
Файл policy_repo.go отвечает за хранение и поставку ABAC-правил.
Слой отделяет долговременное хранение политик в PostgreSQL от их мгновенной
проверки в оперативной памяти движка. Условия лежат в JSONB как ConditionDocument.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

// GetAllPolicies выполняет "холодную загрузку" всего набора при старте и по сигналу обновления.
// Порядок created_at задаёт порядок вставки в движок (tiebreak при равном приоритете).
func (r *PolicyRepo) GetAllPolicies(ctx context.Context) ([]domain.Policy, error) {
	query := `
		SELECT policy_id, name, description, effect, priority, enabled, conditions, created_at, updated_at
		FROM governance_policies
		ORDER BY created_at, policy_id`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query policies: %w", err)
	}
	defer rows.Close()

	results := make([]domain.Policy, 0)
	for rows.Next() {
		var (
			p      domain.Policy
			effect string
			desc   sql.NullString
			raw    []byte
		)
		if err := rows.Scan(&p.ID, &p.Name, &desc, &effect, &p.Priority, &p.Enabled, &raw, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: failed to scan policy: %w", err)
		}
		p.Effect = domain.PolicyEffect(effect)
		p.Description = desc.String

		var docs []domain.ConditionDocument
		if len(raw) > 0 {
			if err := json.Unmarshal(raw, &docs); err != nil {
				return nil, fmt.Errorf("postgres: policy %s has malformed conditions: %w", p.ID, err)
			}
		}
		for _, d := range docs {
			p.Conditions = append(p.Conditions, d.ToCondition())
		}
		results = append(results, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

// UpsertPolicy создаёт или обновляет политику. created_at при обновлении не меняется.
func (r *PolicyRepo) UpsertPolicy(ctx context.Context, p *domain.Policy) error {
	query := `
		INSERT INTO governance_policies (policy_id, name, description, effect, priority, enabled, conditions, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)
		ON CONFLICT (policy_id) DO UPDATE SET
			name = EXCLUDED.name,
			description = EXCLUDED.description,
			effect = EXCLUDED.effect,
			priority = EXCLUDED.priority,
			enabled = EXCLUDED.enabled,
			conditions = EXCLUDED.conditions,
			updated_at = EXCLUDED.updated_at`

	docs := make([]domain.ConditionDocument, 0, len(p.Conditions))
	for _, c := range p.Conditions {
		docs = append(docs, domain.ConditionToDocument(c))
	}
	conditions, err := json.Marshal(docs)
	if err != nil {
		return fmt.Errorf("postgres: marshal conditions: %w", err)
	}

	now := time.Now().UTC()
	if _, err := r.db.ExecContext(ctx, query,
		p.ID, p.Name, p.Description, string(p.Effect), p.Priority, p.Enabled, conditions, now,
	); err != nil {
		return fmt.Errorf("postgres: failed to upsert policy: %w", err)
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	return nil
}

// DeletePolicy удаляет политику по ID.
func (r *PolicyRepo) DeletePolicy(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM governance_policies WHERE policy_id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to delete policy: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrPolicyNotFound
	}
	return nil
}
