package audit

import (
	"os"

	"gopkg.in/yaml.v3"
)

// RiskRuleSet is the keyword/compliance-rule configuration injected at
// Sink construction (spec §4.6: "the core specifies only the scoring
// contract, not the lists"). Keywords is indexed by category
// ("sensitive_data", "risk_terms", "compliance", ...); ComplianceRules
// maps a regulated topic to the phrases its disclosure must contain.
//
// This resolves SPEC_FULL.md §3.3's Open Question: the original hard-coded
// a Chinese financial-services keyword list in Python source
// (FinancialDocumentAuditor.financial_keywords); here the lists live in a
// YAML file named by AUDIT_RULES_PATH, loaded once at startup.
type RiskRuleSet struct {
	Keywords        map[string][]string `yaml:"keywords"`
	ComplianceRules map[string][]string `yaml:"compliance_rules"`
}

// DefaultRiskRuleSet is the built-in English-language fallback used when
// AUDIT_RULES_PATH is unset, covering the same categories the original's
// keyword table did.
func DefaultRiskRuleSet() RiskRuleSet {
	return RiskRuleSet{
		Keywords: map[string][]string{
			"sensitive_data": {"ssn", "social security", "credit card", "password", "account number", "date of birth"},
			"risk_terms":     {"risk", "loss", "volatility", "uncertain", "risk tolerance"},
			"compliance":     {"disclosure", "regulation", "terms and conditions", "prospectus"},
		},
		ComplianceRules: map[string][]string{
			"risk_disclosure": {"risk disclosure", "investment risk"},
		},
	}
}

// LoadRiskRuleSet reads a YAML file at path. An empty path returns
// DefaultRiskRuleSet unchanged.
func LoadRiskRuleSet(path string) (RiskRuleSet, error) {
	if path == "" {
		return DefaultRiskRuleSet(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return RiskRuleSet{}, err
	}
	var rs RiskRuleSet
	if err := yaml.Unmarshal(raw, &rs); err != nil {
		return RiskRuleSet{}, err
	}
	if rs.Keywords == nil {
		rs.Keywords = DefaultRiskRuleSet().Keywords
	}
	return rs, nil
}
