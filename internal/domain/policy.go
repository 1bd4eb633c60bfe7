package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrPolicyNotFound = errors.New("policy not found")

// PolicyEffect определяет, что делать с запросом
type PolicyEffect string

const (
	EffectAllow PolicyEffect = "ALLOW"
	EffectDeny  PolicyEffect = "DENY"
)

// ConflictResolutionStrategy: как разрешать конфликт ALLOW/DENY между совпавшими политиками
type ConflictResolutionStrategy string

const (
	DenyOverrides  ConflictResolutionStrategy = "DENY_OVERRIDES" // По умолчанию
	AllowOverrides ConflictResolutionStrategy = "ALLOW_OVERRIDES"
	FirstMatch     ConflictResolutionStrategy = "FIRST_MATCH"
)

// ConditionType: дискриминатор для хранения условий (JSON/YAML/БД)
type ConditionType string

const (
	ConditionEnvironment ConditionType = "environment"
	ConditionTime        ConditionType = "time"
	ConditionIP          ConditionType = "ip"
	ConditionRole        ConditionType = "role"
	ConditionTeam        ConditionType = "team"
	ConditionCustom      ConditionType = "custom"
	ConditionProvider    ConditionType = "provider"
)

// PolicyCondition: закрытое множество типов условий. Реализации живут в этом пакете,
// движок матчит их type switch'ем, поэтому "неизвестный тип" возможен только из внешнего документа.
type PolicyCondition interface {
	Type() ConditionType
}

// EnvironmentCondition: окружение агента должно входить в список. Пустой список совпадает всегда.
type EnvironmentCondition struct {
	Environments []string `json:"environments" yaml:"environments"`
}

// TimeCondition: окно HH:MM (включительно) и белый список дней недели (0 = понедельник).
type TimeCondition struct {
	StartTime  string `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime    string `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	DaysOfWeek []int  `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
}

// IPCondition: адрес равен литералу или попадает в CIDR.
type IPCondition struct {
	AllowedIPs []string `json:"allowed_ips" yaml:"allowed_ips"`
}

type RoleCondition struct {
	Roles []string `json:"roles" yaml:"roles"`
}

type TeamCondition struct {
	TeamIDs []string `json:"team_ids" yaml:"team_ids"`
}

// CustomCondition: каждое значение должно совпасть с атрибутом контекста.
type CustomCondition struct {
	Attributes map[string]interface{} `json:"attributes" yaml:"attributes"`
}

// ProviderCondition: провайдер внешнего агента (openai, custom_http, ...).
type ProviderCondition struct {
	Providers []string `json:"providers" yaml:"providers"`
}

// UnknownCondition сохраняет тип из внешнего документа, который мы не понимаем.
// Никогда не совпадает (fail-safe).
type UnknownCondition struct {
	Kind ConditionType `json:"type"`
}

func (EnvironmentCondition) Type() ConditionType { return ConditionEnvironment }
func (TimeCondition) Type() ConditionType        { return ConditionTime }
func (IPCondition) Type() ConditionType          { return ConditionIP }
func (RoleCondition) Type() ConditionType        { return ConditionRole }
func (TeamCondition) Type() ConditionType        { return ConditionTeam }
func (CustomCondition) Type() ConditionType      { return ConditionCustom }
func (ProviderCondition) Type() ConditionType    { return ConditionProvider }
func (c UnknownCondition) Type() ConditionType   { return c.Kind }

// Policy: ABAC-правило для вызова внешнего агента
type Policy struct {
	ID          string            `json:"policy_id"`
	Name        string            `json:"name"`
	Description string            `json:"description,omitempty"`
	Effect      PolicyEffect      `json:"effect"`
	Conditions  []PolicyCondition `json:"-"`
	Priority    int               `json:"priority"`
	Enabled     bool              `json:"enabled"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Principal: кто запрашивает доступ
type Principal struct {
	ExternalAgentID string            `json:"external_agent_id"`
	Provider        string            `json:"provider"`
	Environment     string            `json:"environment"`
	OrganizationID  string            `json:"organization_id"`
	TeamID          string            `json:"team_id,omitempty"`
	UserID          string            `json:"user_id,omitempty"`
	Roles           []string          `json:"roles,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

// PolicyContext: request-scoped описание вызова. Не персистится.
type PolicyContext struct {
	Principal  Principal              `json:"principal"`
	Action     string                 `json:"action"`
	Resource   string                 `json:"resource"`
	IPAddress  string                 `json:"ip_address,omitempty"`
	Time       time.Time              `json:"time"` // Нулевое значение = сейчас
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

type PolicyEvaluationResult struct {
	Effect           PolicyEffect `json:"effect"`
	Reason           string       `json:"reason"`
	MatchedPolicies  []string     `json:"matched_policies"`
	EvaluationTimeMs float64      `json:"evaluation_time_ms"`
}

// Allowed: удобный хелпер для фасада
func (r PolicyEvaluationResult) Allowed() bool {
	return r.Effect == EffectAllow
}

// ConditionDocument: плоское представление условия для JSON/YAML/JSONB.
type ConditionDocument struct {
	Type         ConditionType          `json:"type" yaml:"type"`
	Environments []string               `json:"environments,omitempty" yaml:"environments,omitempty"`
	StartTime    string                 `json:"start_time,omitempty" yaml:"start_time,omitempty"`
	EndTime      string                 `json:"end_time,omitempty" yaml:"end_time,omitempty"`
	DaysOfWeek   []int                  `json:"days_of_week,omitempty" yaml:"days_of_week,omitempty"`
	AllowedIPs   []string               `json:"allowed_ips,omitempty" yaml:"allowed_ips,omitempty"`
	Roles        []string               `json:"roles,omitempty" yaml:"roles,omitempty"`
	TeamIDs      []string               `json:"team_ids,omitempty" yaml:"team_ids,omitempty"`
	Attributes   map[string]interface{} `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Providers    []string               `json:"providers,omitempty" yaml:"providers,omitempty"`
}

// ToCondition превращает документ в типизированное условие.
func (d ConditionDocument) ToCondition() PolicyCondition {
	switch d.Type {
	case ConditionEnvironment:
		return EnvironmentCondition{Environments: d.Environments}
	case ConditionTime:
		return TimeCondition{StartTime: d.StartTime, EndTime: d.EndTime, DaysOfWeek: d.DaysOfWeek}
	case ConditionIP:
		return IPCondition{AllowedIPs: d.AllowedIPs}
	case ConditionRole:
		return RoleCondition{Roles: d.Roles}
	case ConditionTeam:
		return TeamCondition{TeamIDs: d.TeamIDs}
	case ConditionCustom:
		return CustomCondition{Attributes: d.Attributes}
	case ConditionProvider:
		return ProviderCondition{Providers: d.Providers}
	default:
		return UnknownCondition{Kind: d.Type}
	}
}

// ConditionToDocument: обратное преобразование для сохранения
func ConditionToDocument(c PolicyCondition) ConditionDocument {
	switch v := c.(type) {
	case EnvironmentCondition:
		return ConditionDocument{Type: ConditionEnvironment, Environments: v.Environments}
	case TimeCondition:
		return ConditionDocument{Type: ConditionTime, StartTime: v.StartTime, EndTime: v.EndTime, DaysOfWeek: v.DaysOfWeek}
	case IPCondition:
		return ConditionDocument{Type: ConditionIP, AllowedIPs: v.AllowedIPs}
	case RoleCondition:
		return ConditionDocument{Type: ConditionRole, Roles: v.Roles}
	case TeamCondition:
		return ConditionDocument{Type: ConditionTeam, TeamIDs: v.TeamIDs}
	case CustomCondition:
		return ConditionDocument{Type: ConditionCustom, Attributes: v.Attributes}
	case ProviderCondition:
		return ConditionDocument{Type: ConditionProvider, Providers: v.Providers}
	case UnknownCondition:
		return ConditionDocument{Type: v.Kind}
	default:
		return ConditionDocument{Type: c.Type()}
	}
}

// MarshalConditions сериализует условия в JSON (колонка JSONB)
func MarshalConditions(conds []PolicyCondition) (json.RawMessage, error) {
	docs := make([]ConditionDocument, 0, len(conds))
	for _, c := range conds {
		docs = append(docs, ConditionToDocument(c))
	}
	raw, err := json.Marshal(docs)
	if err != nil {
		return nil, fmt.Errorf("marshal policy conditions: %w", err)
	}
	return raw, nil
}

// UnmarshalConditions: обратная операция. Пустой ввод = нет условий.
func UnmarshalConditions(raw []byte) ([]PolicyCondition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var docs []ConditionDocument
	if err := json.Unmarshal(raw, &docs); err != nil {
		return nil, fmt.Errorf("unmarshal policy conditions: %w", err)
	}
	conds := make([]PolicyCondition, 0, len(docs))
	for _, d := range docs {
		conds = append(conds, d.ToCondition())
	}
	return conds, nil
}
