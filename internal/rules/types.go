package rules

type ActionType string

const (
	ActionRestartService ActionType = "restart-service"
	ActionScale          ActionType = "scale"
	ActionRunScript      ActionType = "run-script"
	ActionRunPlaybook    ActionType = "run-playbook"
	ActionNotify         ActionType = "notify"
)

const (
	RiskLow    = "low"
	RiskMedium = "medium"
	RiskHigh   = "high"
)

const (
	DirectionReduce   = "reduce"
	DirectionIncrease = "increase"
)

type Condition struct {
	Metric              string  `json:"metric"`
	Op                  string  `json:"op"`
	Threshold           float64 `json:"threshold"`
	SustainedForSeconds int     `json:"sustainedForSeconds"`
}

type Action struct {
	Type            ActionType     `json:"type"`
	Target          string         `json:"target"`
	Parameters      map[string]any `json:"parameters"`
	RiskLevel       string         `json:"riskLevel"`
	EstimatedImpact float64        `json:"estimatedImpact"`
}

type Rule struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Description     string      `json:"description"`
	Conditions      []Condition `json:"conditions"`
	Actions         []Action    `json:"actions"`
	Priority        int         `json:"priority"`
	CooldownSeconds int         `json:"cooldownSeconds"`
	DependsOn       []string    `json:"dependsOn"`
	Enabled         bool        `json:"enabled"`
	MetricDirection string      `json:"metricDirection"`
}

// Snapshot is an immutable, versioned view of the full rule set. A new
// version replaces the previous one wholesale via Store.Load.
type Snapshot struct {
	Version int64
	Rules   []Rule
	byID    map[string]int
}

func NewSnapshot(version int64, ruleList []Rule) *Snapshot {
	snap := &Snapshot{Version: version, Rules: ruleList, byID: map[string]int{}}
	for i, rule := range ruleList {
		snap.byID[rule.ID] = i
	}
	return snap
}

func (s *Snapshot) Get(id string) (Rule, bool) {
	idx, ok := s.byID[id]
	if !ok {
		return Rule{}, false
	}
	return s.Rules[idx], true
}
