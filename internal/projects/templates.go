package projects

import (
	"github.com/shopspring/decimal"

	"github.com/stagepay/stagepay-backend/internal/stages"
)

type stageTemplate struct {
	name  string
	share decimal.Decimal
}

// defaultStageTemplates splits the budget across the standard build phases.
// Used when a project is created without custom stages.
var defaultStageTemplates = []stageTemplate{
	{name: "foundation", share: decimal.NewFromFloat(0.30)},
	{name: "framing", share: decimal.NewFromFloat(0.30)},
	{name: "electrical and plumbing", share: decimal.NewFromFloat(0.20)},
	{name: "finishes", share: decimal.NewFromFloat(0.20)},
}

func templateDefinitions(budget decimal.Decimal) []stages.Definition {
	defs := make([]stages.Definition, 0, len(defaultStageTemplates))
	for _, tpl := range defaultStageTemplates {
		defs = append(defs, stages.Definition{
			Name:          tpl.name,
			EstimatedCost: budget.Mul(tpl.share).Round(2),
		})
	}
	return defs
}
