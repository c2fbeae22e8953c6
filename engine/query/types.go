package query

import (
	"github.com/WessleyAI/faultgraph/engine/domain"
	"github.com/WessleyAI/faultgraph/engine/graph"
)

// Hop is one edge of a returned chain. Only the fields relevant to the
// relation type are set.
type Hop struct {
	Type        domain.RelationType `json:"type"`
	Confidence  float64             `json:"confidence"`
	Evidence    string              `json:"evidence,omitempty"`
	Severity    string              `json:"severity,omitempty"`
	Phase       string              `json:"phase,omitempty"`
	Criticality string              `json:"criticality,omitempty"`
	Interface   string              `json:"interface,omitempty"`
}

// Chain is a simple path with its confidence product rounded to three
// decimals. Nodes start at the queried node.
type Chain struct {
	Nodes      []graph.Term `json:"nodes"`
	Relations  []Hop        `json:"relations"`
	Confidence float64      `json:"confidence"`
}

// Solution is a RESOLVED_BY target of a symptom.
type Solution struct {
	Name          string          `json:"name"`
	Category      domain.Category `json:"category"`
	Description   string          `json:"description,omitempty"`
	Confidence    float64         `json:"confidence"`
	Effectiveness *float64        `json:"effectiveness"`
	Risk          string          `json:"risk,omitempty"`
	CostLevel     string          `json:"cost_level,omitempty"`
	Evidence      string          `json:"evidence,omitempty"`
}

// Diagnosis is the result of Diagnose.
type Diagnosis struct {
	Symptom        string     `json:"symptom"`
	CausalChains   []Chain    `json:"causal_chains"`
	Solutions      []Solution `json:"solutions"`
	TotalChains    int        `json:"total_chains"`
	TotalSolutions int        `json:"total_solutions"`
}

// Measure is a PREVENTS source of a symptom.
type Measure struct {
	Name          string          `json:"name"`
	Category      domain.Category `json:"category"`
	Description   string          `json:"description,omitempty"`
	Confidence    float64         `json:"confidence"`
	EvidenceLevel string          `json:"evidence_level,omitempty"`
	Evidence      string          `json:"evidence,omitempty"`
}

// Prevention is the result of PreventionMeasures.
type Prevention struct {
	Symptom  string    `json:"symptom"`
	Measures []Measure `json:"prevention_measures"`
	Total    int       `json:"total"`
}

// TestCase is a test covering the target.
type TestCase struct {
	Name         string              `json:"name"`
	Description  string              `json:"description,omitempty"`
	RelationType domain.RelationType `json:"relation_type"`
	Confidence   float64             `json:"confidence"`
	Coverage     *float64            `json:"coverage,omitempty"`
	Env          string              `json:"env,omitempty"`
	Method       string              `json:"method,omitempty"`
	Evidence     string              `json:"evidence,omitempty"`
}

// TestMetric is a metric measured by one of the covering tests.
type TestMetric struct {
	TestName          string `json:"test_name"`
	MetricName        string `json:"metric_name"`
	MetricDescription string `json:"metric_description,omitempty"`
	Threshold         string `json:"threshold,omitempty"`
	Method            string `json:"method,omitempty"`
}

// TestPlan is the result of TestPath.
type TestPlan struct {
	Target       string          `json:"target"`
	Category     domain.Category `json:"category"`
	Tests        []TestCase      `json:"tests"`
	Metrics      []TestMetric    `json:"metrics"`
	TotalTests   int             `json:"total_tests"`
	TotalMetrics int             `json:"total_metrics"`
}

// DependencySet holds the chains per direction. A direction that was not
// requested stays nil.
type DependencySet struct {
	Upstream   []Chain `json:"upstream"`
	Downstream []Chain `json:"downstream"`
}

// DependencyReport is the result of Dependencies.
type DependencyReport struct {
	Component       string           `json:"component"`
	Direction       domain.Direction `json:"direction"`
	Dependencies    DependencySet    `json:"dependencies"`
	TotalUpstream   int              `json:"total_upstream"`
	TotalDownstream int              `json:"total_downstream"`
}
