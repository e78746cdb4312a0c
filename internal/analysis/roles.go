package analysis

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Role is a business meaning a column can carry.
type Role string

const (
	RoleRevenue  Role = "revenue"
	RoleCost     Role = "cost"
	RoleCustomer Role = "customer"
	RoleOrder    Role = "order"
	RoleValue    Role = "value"
)

// RoleConfig maps each role to the keywords that identify it in a column name.
type RoleConfig map[Role][]string

// DefaultRoles returns the built-in keyword sets.
func DefaultRoles() RoleConfig {
	return RoleConfig{
		RoleRevenue:  {"revenue", "sales", "income"},
		RoleCost:     {"cost", "expense", "spend"},
		RoleCustomer: {"customer", "user", "client"},
		RoleOrder:    {"order", "transaction", "purchase"},
		RoleValue:    {"value", "price", "avg", "average"},
	}
}

// Matches reports whether a column name contains one of the role's keywords,
// ignoring case.
func (rc RoleConfig) Matches(role Role, column string) bool {
	name := strings.ToLower(column)
	for _, kw := range rc[role] {
		if kw = strings.ToLower(strings.TrimSpace(kw)); kw != "" && strings.Contains(name, kw) {
			return true
		}
	}
	return false
}

// Thresholds are the percentage gates of the insight rules.
type Thresholds struct {
	RevenueTrend   float64 `yaml:"revenue_trend"`
	RevenueSharp   float64 `yaml:"revenue_sharp"`
	CustomerDriver float64 `yaml:"customer_driver"`
	MarginGap      float64 `yaml:"margin_gap"`
	ProfitGrowth   float64 `yaml:"profit_growth"`
	ValueDecline   float64 `yaml:"value_decline"`
	ValueGrowth    float64 `yaml:"value_growth"`
	EngagementGap  float64 `yaml:"engagement_gap"`
	MissingPercent float64 `yaml:"missing_percent"`
	Skewness       float64 `yaml:"skewness"`
}

// DefaultThresholds returns the built-in rule gates.
func DefaultThresholds() Thresholds {
	return Thresholds{
		RevenueTrend:   10,
		RevenueSharp:   20,
		CustomerDriver: 10,
		MarginGap:      5,
		ProfitGrowth:   10,
		ValueDecline:   -5,
		ValueGrowth:    10,
		EngagementGap:  10,
		MissingPercent: 10,
		Skewness:       1,
	}
}

// Rules configures the insight composer.
type Rules struct {
	Roles      RoleConfig `yaml:"roles"`
	Thresholds Thresholds `yaml:"thresholds"`
}

// DefaultRules returns the built-in roles and thresholds.
func DefaultRules() Rules {
	return Rules{Roles: DefaultRoles(), Thresholds: DefaultThresholds()}
}

// ParseRules overlays YAML onto the defaults. Roles listed in the document
// replace the default keywords for that role; thresholds not listed keep
// their defaults.
func ParseRules(data []byte) (Rules, error) {
	var doc struct {
		Roles      map[Role][]string `yaml:"roles"`
		Thresholds Thresholds        `yaml:"thresholds"`
	}
	doc.Thresholds = DefaultThresholds()
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Rules{}, fmt.Errorf("failed to parse insight rules: %w", err)
	}

	rules := Rules{Roles: DefaultRoles(), Thresholds: doc.Thresholds}
	for role, keywords := range doc.Roles {
		switch role {
		case RoleRevenue, RoleCost, RoleCustomer, RoleOrder, RoleValue:
		default:
			return Rules{}, fmt.Errorf("unknown role %q in insight rules", role)
		}
		rules.Roles[role] = keywords
	}
	return rules, nil
}

// LoadRules reads a rules file. An empty path yields the defaults.
func LoadRules(path string) (Rules, error) {
	if path == "" {
		return DefaultRules(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Rules{}, fmt.Errorf("failed to read insight rules %s: %w", path, err)
	}
	return ParseRules(data)
}
