package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-governance/internal/audit"
)

// Количество колонок в таблице governance_audit
const auditFields = 16

type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// WriteBatch: одна multi-row вставка на пачку событий
func (r *AuditRepo) WriteBatch(ctx context.Context, events []audit.DecisionEvent) error {
	if len(events) == 0 {
		return nil
	}

	var placeholders strings.Builder
	vals := make([]interface{}, 0, len(events)*auditFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range events {
		if i > 0 {
			placeholders.WriteString(",")
		}
		placeholders.WriteString("(")
		for f := 1; f <= auditFields; f++ {
			if f > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", i*auditFields+f)
		}
		placeholders.WriteString(")")

		matched, _ := json.Marshal(e.MatchedPolicies)
		var cost sql.NullFloat64
		if e.EstimatedCost != nil {
			cost = sql.NullFloat64{Float64: *e.EstimatedCost, Valid: true}
		}

		vals = append(vals,
			e.ID, e.TraceID, e.AgentID, e.OrganizationID, e.TeamID, e.UserID, e.Action,
			e.Stage, e.Allowed, e.Reason, matched, e.ApprovalID, cost, e.DegradedMode,
			e.DurationMs, e.Timestamp,
		)
	}

	query := "INSERT INTO governance_audit (id, trace_id, agent_id, organization_id, team_id, user_id, action, " +
		"stage, allowed, reason, matched_policies, approval_id, estimated_cost, degraded_mode, " +
		"duration_ms, timestamp) VALUES " + placeholders.String()

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: audit batch insert (%d events): %w", len(events), err)
	}
	return nil
}
