package analysis

import (
	"fmt"
	"math"

	"github.com/adverant/nexus/tableanalyst-worker/internal/logging"
)

// Severity grades an insight for display.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityPositive Severity = "positive"
)

// Insight is one natural-language finding.
type Insight struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
}

// CleanDataInsight is emitted when no rule fires.
const CleanDataInsight = "Data looks clean and well-distributed"

// Composer turns trends, column statistics and quality metrics into findings.
type Composer struct {
	rules  Rules
	logger *logging.Logger
}

// NewComposer creates a composer. Rules are copied and never modified.
func NewComposer(rules Rules, logger *logging.Logger) *Composer {
	if logger == nil {
		logger = logging.Nop()
	}
	roles := make(RoleConfig, len(rules.Roles))
	for role, kws := range rules.Roles {
		roles[role] = append([]string(nil), kws...)
	}
	return &Composer{
		rules:  Rules{Roles: roles, Thresholds: rules.Thresholds},
		logger: logger.Named("insights"),
	}
}

// roleTrend is the trend of the column chosen for a role
type roleTrend struct {
	column string
	change float64
}

// resolveRoles picks, per role, the first column in table order whose name
// matches the role and that has a trend.
func (c *Composer) resolveRoles(trends []Trend, columns []string) map[Role]roleTrend {
	byColumn := make(map[string]Trend, len(trends))
	for _, tr := range trends {
		byColumn[tr.Column] = tr
	}

	out := make(map[Role]roleTrend)
	for role := range c.rules.Roles {
		for _, col := range columns {
			tr, ok := byColumn[col]
			if !ok || !c.rules.Roles.Matches(role, col) {
				continue
			}
			out[role] = roleTrend{column: col, change: tr.ChangePercentage}
			break
		}
	}
	return out
}

// Compose runs the rule set in order. Rules whose roles are absent are
// skipped; a nil quality skips the completeness and duplicate rules.
func (c *Composer) Compose(trends []Trend, stats []ColumnStats, quality *Quality, columns []string) []Insight {
	th := c.rules.Thresholds
	roles := c.resolveRoles(trends, columns)
	var out []Insight

	rev, hasRev := roles[RoleRevenue]
	cost, hasCost := roles[RoleCost]
	cust, hasCust := roles[RoleCustomer]
	order, hasOrder := roles[RoleOrder]
	value, hasValue := roles[RoleValue]

	if hasRev && math.Abs(rev.change) > th.RevenueTrend {
		out = append(out, c.revenueInsight(rev, cust, hasCust))
	}

	if hasRev && hasCost {
		switch {
		case cost.change-rev.change > th.MarginGap:
			out = append(out, Insight{
				Text: fmt.Sprintf("Margin pressure: %s changed %+.1f%% while %s changed %+.1f%%. Costs are outpacing revenue.",
					cost.column, cost.change, rev.column, rev.change),
				Severity: SeverityWarning,
			})
		case rev.change > cost.change && rev.change > th.ProfitGrowth:
			out = append(out, Insight{
				Text: fmt.Sprintf("Improving profitability: %s (%+.1f%%) is growing faster than %s (%+.1f%%).",
					rev.column, rev.change, cost.column, cost.change),
				Severity: SeverityPositive,
			})
		}
	}

	if hasValue && hasCust {
		switch {
		case value.change < th.ValueDecline:
			out = append(out, Insight{
				Text: fmt.Sprintf("Customer value is declining: %s fell %.1f%% between the two halves of the data.",
					value.column, math.Abs(value.change)),
				Severity: SeverityWarning,
			})
		case value.change > th.ValueGrowth:
			out = append(out, Insight{
				Text: fmt.Sprintf("Customer value is improving: %s rose %.1f%% between the two halves of the data.",
					value.column, value.change),
				Severity: SeverityPositive,
			})
		}
	}

	if hasOrder && hasCust && order.change-cust.change > th.EngagementGap {
		out = append(out, Insight{
			Text: fmt.Sprintf("Engagement is rising: %s (%+.1f%%) is growing faster than %s (%+.1f%%), so existing customers are ordering more often.",
				order.column, order.change, cust.column, cust.change),
			Severity: SeverityPositive,
		})
	}

	if quality != nil {
		if quality.MissingPercentage > th.MissingPercent {
			out = append(out, Insight{
				Text:     fmt.Sprintf("Warning: %.1f%% of data is missing. Consider data cleaning.", quality.MissingPercentage),
				Severity: SeverityWarning,
			})
		}
		if quality.DuplicateRows > 0 {
			out = append(out, Insight{
				Text: fmt.Sprintf("Found %d duplicate rows (%.1f%%). Consider removing duplicates.",
					quality.DuplicateRows, quality.DuplicatePercentage),
				Severity: SeverityWarning,
			})
		}
	}

	for _, st := range stats {
		if st.Skewness.Defined() && math.Abs(float64(st.Skewness)) > th.Skewness {
			out = append(out, Insight{
				Text: fmt.Sprintf("Column '%s' has high skewness (%.2f). Consider log transformation.",
					st.Column, float64(st.Skewness)),
				Severity: SeverityInfo,
			})
		}
	}

	if len(out) == 0 {
		out = append(out, Insight{Text: CleanDataInsight, Severity: SeverityInfo})
	}

	c.logger.Debug("insights composed", "count", len(out), "roles", len(roles))
	return out
}

func (c *Composer) revenueInsight(rev, cust roleTrend, hasCust bool) Insight {
	th := c.rules.Thresholds

	verb := "grew"
	severity := SeverityPositive
	if rev.change < 0 {
		verb = "fell"
		severity = SeverityWarning
	}
	if math.Abs(rev.change) > th.RevenueSharp {
		verb += " sharply"
	}

	text := fmt.Sprintf("%s %s by %.1f%% from the first to the second half of the data.",
		rev.column, verb, math.Abs(rev.change))
	if hasCust && cust.change > th.CustomerDriver {
		text += fmt.Sprintf(" Customer growth in %s (+%.1f%%) is a likely driver.", cust.column, cust.change)
	}

	return Insight{Text: text, Severity: severity}
}
