package autonomy

import (
	"fmt"

	"github.com/ashita-ai/tsumugi/internal/model"
)

// decide applies a team's policy to a classified risk level. A nil team means
// the action is not bound to a team.
func decide(team *model.Team, actionType string, risk model.RiskLevel) (bool, string) {
	if team == nil {
		if risk.Rank() > model.RiskLow.Rank() {
			return true, fmt.Sprintf("no team policy; %s risk requires approval", risk)
		}
		return false, "no team policy; low risk runs automatically"
	}
	if team.RequiresApprovalFor(actionType) {
		return true, fmt.Sprintf("team %s always requires approval for %s", team.Name, actionType)
	}
	switch team.AutonomyLevel {
	case model.AutonomySupervised:
		return true, "supervised teams require approval for every action"
	case model.AutonomySemiAutonomous:
		if risk.Rank() > model.RiskLow.Rank() {
			return true, fmt.Sprintf("semi-autonomous teams require approval above low risk (%s)", risk)
		}
		return false, "semi-autonomous team may run low-risk actions"
	case model.AutonomyAutonomous:
		if risk == model.RiskCritical {
			return true, "autonomous teams require approval for critical actions"
		}
		return false, fmt.Sprintf("autonomous team may run %s-risk actions", risk)
	default:
		return true, fmt.Sprintf("unknown autonomy level %q; approval required", team.AutonomyLevel)
	}
}
