package autonomy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// tier is one level of the base classification table. Tiers are checked in
// order and the first pattern contained in the action type wins, so a pattern
// must never contain a pattern of an earlier tier.
type tier struct {
	level    model.RiskLevel
	patterns []string
}

var tiers = []tier{
	{model.RiskCritical, []string{
		"delete", "purge", "drop_", "transfer", "payment", "refund",
		"payroll", "wire_", "sign_contract", "contract_sign", "terminate", "close_account",
		"change_permissions", "grant_access", "revoke_access",
	}},
	{model.RiskHigh, []string{
		"remove", "send_email", "email_send", "publish", "post_social", "social_post",
		"launch", "price", "discount", "invoice", "external", "deploy", "escalate",
	}},
	{model.RiskMedium, []string{
		"update", "create", "modify", "edit", "schedule", "assign", "send_message", "notify",
		"import", "export", "sync", "tag", "enrich",
	}},
	{model.RiskLow, []string{
		"read", "get_", "list", "search", "view", "query", "fetch", "analyze", "summarize",
		"draft", "log_", "report", "lookup",
	}},
}

const bulkThreshold = 10

// Classify assigns a risk level to an action. The base level comes from the
// first tier whose patterns match the action type; unrecognized types are
// medium. Escalators on data can only raise the level.
func Classify(actionType string, data map[string]any) model.RiskClassification {
	level, reason := baseLevel(actionType)
	reasons := []string{reason}

	if n, ok := number(data["count"]); ok && n > bulkThreshold {
		level = level.Escalate()
		reasons = append(reasons, fmt.Sprintf("bulk operation affecting %s items", format(n)))
	}
	for _, key := range []string{"externalRecipient", "toExternal"} {
		if truthy(data[key]) {
			level = level.AtLeast(model.RiskHigh)
			reasons = append(reasons, "targets an external recipient")
			break
		}
	}
	for _, key := range []string{"amount", "value"} {
		if n, ok := number(data[key]); ok && n > 0 {
			level = model.RiskCritical
			reasons = append(reasons, fmt.Sprintf("involves a financial %s of %s", key, format(n)))
			break
		}
	}
	for _, key := range []string{"delete", "remove", "destroy"} {
		if truthy(data[key]) {
			level = level.AtLeast(model.RiskHigh)
			reasons = append(reasons, fmt.Sprintf("destructive operation (%s)", key))
			break
		}
	}

	return model.RiskClassification{RiskLevel: level, Reasons: reasons}
}

func baseLevel(actionType string) (model.RiskLevel, string) {
	lower := strings.ToLower(actionType)
	for _, t := range tiers {
		for _, p := range t.patterns {
			if strings.Contains(lower, p) {
				return t.level, fmt.Sprintf("action type %q matches %s-risk pattern %q", actionType, t.level, p)
			}
		}
	}
	return model.RiskMedium, fmt.Sprintf("action type %q is not recognized; defaulting to medium", actionType)
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func truthy(v any) bool {
	switch b := v.(type) {
	case nil:
		return false
	case bool:
		return b
	case string:
		s := strings.ToLower(strings.TrimSpace(b))
		return s != "" && s != "false" && s != "0"
	}
	if n, ok := number(v); ok {
		return n != 0
	}
	return true
}

func format(n float64) string {
	return strconv.FormatFloat(n, 'f', -1, 64)
}
