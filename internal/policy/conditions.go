package policy

import (
	"net/netip"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-governance/internal/domain"
	"go.uber.org/zap"
)

// matches: AND по всем условиям политики. Политика без условий совпадает всегда.
func (e *Engine) matches(p domain.Policy, pctx domain.PolicyContext) bool {
	for _, c := range p.Conditions {
		if !e.conditionMatches(p.ID, c, pctx) {
			return false
		}
	}
	return true
}

func (e *Engine) conditionMatches(policyID string, c domain.PolicyCondition, pctx domain.PolicyContext) bool {
	switch cond := c.(type) {
	case domain.EnvironmentCondition:
		return len(cond.Environments) == 0 || slices.Contains(cond.Environments, pctx.Principal.Environment)

	case domain.TimeCondition:
		return e.timeMatches(policyID, cond, pctx.Time)

	case domain.IPCondition:
		return ipMatches(cond.AllowedIPs, pctx.IPAddress)

	case domain.RoleCondition:
		for _, r := range pctx.Principal.Roles {
			if slices.Contains(cond.Roles, r) {
				return true
			}
		}
		return false

	case domain.TeamCondition:
		return pctx.Principal.TeamID != "" && slices.Contains(cond.TeamIDs, pctx.Principal.TeamID)

	case domain.CustomCondition:
		for k, want := range cond.Attributes {
			got, ok := pctx.Attributes[k]
			if !ok || !attrEqual(want, got) {
				return false
			}
		}
		return true

	case domain.ProviderCondition:
		return len(cond.Providers) == 0 || slices.Contains(cond.Providers, pctx.Principal.Provider)

	default:
		e.logger.Warn("unknown condition type, treated as non-matching",
			zap.String("policy_id", policyID), zap.String("type", string(c.Type())))
		return false
	}
}

// timeMatches: окно HH:MM включительно, окно через полночь (22:00-06:00) тоже поддерживается.
// Кривой формат логируется, окно в этом случае не проверяется.
func (e *Engine) timeMatches(policyID string, cond domain.TimeCondition, at time.Time) bool {
	if cond.StartTime != "" && cond.EndTime != "" {
		start, errS := time.Parse("15:04", cond.StartTime)
		end, errE := time.Parse("15:04", cond.EndTime)
		if errS != nil || errE != nil {
			e.logger.Warn("malformed time window ignored",
				zap.String("policy_id", policyID),
				zap.String("start", cond.StartTime), zap.String("end", cond.EndTime))
		} else {
			cur := at.Hour()*60 + at.Minute()
			s := start.Hour()*60 + start.Minute()
			en := end.Hour()*60 + end.Minute()
			if s <= en {
				if cur < s || cur > en {
					return false
				}
			} else if cur < s && cur > en {
				return false
			}
		}
	}

	if len(cond.DaysOfWeek) > 0 {
		// time.Weekday: воскресенье = 0, у нас понедельник = 0
		day := (int(at.Weekday()) + 6) % 7
		if !slices.Contains(cond.DaysOfWeek, day) {
			return false
		}
	}
	return true
}

func ipMatches(allowed []string, raw string) bool {
	if raw == "" {
		return false
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return false
	}
	addr = addr.Unmap()

	for _, entry := range allowed {
		if strings.Contains(entry, "/") {
			prefix, err := netip.ParsePrefix(entry)
			if err == nil && prefix.Contains(addr) {
				return true
			}
			continue
		}
		if lit, err := netip.ParseAddr(entry); err == nil && lit.Unmap() == addr {
			return true
		}
	}
	return false
}

// attrEqual сравнивает значения атрибутов. Числа из YAML/JSON приходят разными типами (int, float64),
// поэтому числовые значения сравниваются как float64.
func attrEqual(want, got interface{}) bool {
	if reflect.DeepEqual(want, got) {
		return true
	}
	wf, ok1 := toFloat(want)
	gf, ok2 := toFloat(got)
	return ok1 && ok2 && wf == gf
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}
