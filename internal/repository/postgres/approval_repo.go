package postgres

/*
Файл approval_repo.go - хранилище запросов Human-in-the-loop (HITL, «человек в контуре»).
Решения апруверов лежат внутри строки запроса как JSONB: запрос и его голоса
всегда читаются и пишутся вместе. Запись условная по колонке version: если другой
процесс сохранил запрос после нашего чтения, upsert не затрагивает строк и
возвращается domain.ErrApprovalConflict.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
)

const approvalColumns = `id, external_agent_id, organization_id, requested_by_user_id, requested_by_team_id,
	trigger_reason, payload_summary, estimated_cost, estimated_tokens, required_approvals,
	approvals, rejections, status, escalation_reason, created_at, expires_at, updated_at, version`

type ApprovalRepo struct {
	db *sql.DB
}

func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

// Save: upsert целиком при совпадении версии
func (r *ApprovalRepo) Save(ctx context.Context, req *domain.ApprovalRequest) error {
	query := `
		INSERT INTO approval_requests (` + approvalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			approvals = EXCLUDED.approvals,
			rejections = EXCLUDED.rejections,
			status = EXCLUDED.status,
			escalation_reason = EXCLUDED.escalation_reason,
			expires_at = EXCLUDED.expires_at,
			updated_at = EXCLUDED.updated_at,
			version = EXCLUDED.version
		WHERE approval_requests.version = $19`

	approvals, err := json.Marshal(nonNil(req.Approvals))
	if err != nil {
		return fmt.Errorf("postgres: marshal approvals: %w", err)
	}
	rejections, err := json.Marshal(nonNil(req.Rejections))
	if err != nil {
		return fmt.Errorf("postgres: marshal rejections: %w", err)
	}

	var (
		cost    sql.NullFloat64
		tokens  sql.NullInt64
		expires sql.NullTime
		team    sql.NullString
	)
	if req.EstimatedCost != nil {
		cost = sql.NullFloat64{Float64: *req.EstimatedCost, Valid: true}
	}
	if req.EstimatedTokens != nil {
		tokens = sql.NullInt64{Int64: int64(*req.EstimatedTokens), Valid: true}
	}
	if req.ExpiresAt != nil {
		expires = sql.NullTime{Time: *req.ExpiresAt, Valid: true}
	}
	if req.RequestedByTeamID != "" {
		team = sql.NullString{String: req.RequestedByTeamID, Valid: true}
	}

	res, err := r.db.ExecContext(ctx, query,
		req.ID, req.ExternalAgentID, req.OrganizationID, req.RequestedByUserID, team,
		req.TriggerReason, req.PayloadSummary, cost, tokens, req.RequiredApprovals,
		approvals, rejections, string(req.Status), req.EscalationReason,
		req.CreatedAt, expires, req.UpdatedAt, req.Version+1, req.Version,
	)
	if err != nil {
		return fmt.Errorf("postgres: failed to save approval request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: approval rows affected: %w", err)
	}
	if n == 0 {
		return domain.ErrApprovalConflict
	}
	req.Version++
	return nil
}

func (r *ApprovalRepo) Get(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests WHERE id = $1`

	req, err := scanApproval(r.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.ErrApprovalNotFound
		}
		return nil, fmt.Errorf("postgres: failed to get approval request: %w", err)
	}
	return req, nil
}

// GetPendingForApprover: очередь решений организации. approverID зарезервирован под ролевую фильтрацию.
func (r *ApprovalRepo) GetPendingForApprover(ctx context.Context, _ string, organizationID string) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests
		WHERE status = 'PENDING' AND ($1 = '' OR organization_id = $1)
		ORDER BY created_at, id`
	return r.list(ctx, query, organizationID)
}

func (r *ApprovalRepo) GetPendingForAgent(ctx context.Context, agentID, organizationID string) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests
		WHERE status = 'PENDING' AND external_agent_id = $1 AND ($2 = '' OR organization_id = $2)
		ORDER BY created_at, id`
	return r.list(ctx, query, agentID, organizationID)
}

func (r *ApprovalRepo) GetExpired(ctx context.Context, now time.Time) ([]*domain.ApprovalRequest, error) {
	query := `SELECT ` + approvalColumns + ` FROM approval_requests
		WHERE status = 'PENDING' AND expires_at IS NOT NULL AND expires_at < $1
		ORDER BY created_at, id`
	return r.list(ctx, query, now)
}

func (r *ApprovalRepo) Delete(ctx context.Context, id string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM approval_requests WHERE id = $1`, id); err != nil {
		return fmt.Errorf("postgres: failed to delete approval request: %w", err)
	}
	return nil
}

func (r *ApprovalRepo) list(ctx context.Context, query string, args ...interface{}) ([]*domain.ApprovalRequest, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		req, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
		}
		results = append(results, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanApproval(row rowScanner) (*domain.ApprovalRequest, error) {
	var (
		req                   domain.ApprovalRequest
		team                  sql.NullString
		cost                  sql.NullFloat64
		tokens                sql.NullInt64
		expires               sql.NullTime
		approvals, rejections []byte
		status                string
	)
	err := row.Scan(
		&req.ID, &req.ExternalAgentID, &req.OrganizationID, &req.RequestedByUserID, &team,
		&req.TriggerReason, &req.PayloadSummary, &cost, &tokens, &req.RequiredApprovals,
		&approvals, &rejections, &status, &req.EscalationReason,
		&req.CreatedAt, &expires, &req.UpdatedAt, &req.Version,
	)
	if err != nil {
		return nil, err
	}

	// Маппим NULL значения
	if team.Valid {
		req.RequestedByTeamID = team.String
	}
	if cost.Valid {
		v := cost.Float64
		req.EstimatedCost = &v
	}
	if tokens.Valid {
		v := int(tokens.Int64)
		req.EstimatedTokens = &v
	}
	if expires.Valid {
		t := expires.Time
		req.ExpiresAt = &t
	}
	req.Status = domain.ApprovalStatus(status)

	req.Approvals = []domain.ApprovalDecision{}
	req.Rejections = []domain.ApprovalDecision{}
	if len(approvals) > 0 {
		if err := json.Unmarshal(approvals, &req.Approvals); err != nil {
			return nil, fmt.Errorf("decode approvals: %w", err)
		}
	}
	if len(rejections) > 0 {
		if err := json.Unmarshal(rejections, &req.Rejections); err != nil {
			return nil, fmt.Errorf("decode rejections: %w", err)
		}
	}
	return &req, nil
}

func nonNil(d []domain.ApprovalDecision) []domain.ApprovalDecision {
	if d == nil {
		return []domain.ApprovalDecision{}
	}
	return d
}
