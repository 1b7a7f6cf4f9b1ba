package provider

// OperationCost describes how an AI operation is billed when running in
// platform mode. SkipDeduction marks operations that are free regardless of
// balance, such as lightweight previews.
type OperationCost struct {
	Credits       int64
	SkipDeduction bool
}

// CostTable maps operation names to their billing policy. Operations absent
// from the table bill at DefaultOperationCost.
type CostTable map[string]OperationCost

// DefaultOperationCost applies to operations without a table entry.
const DefaultOperationCost int64 = 1

// DefaultCostTable returns the built-in billing policy.
func DefaultCostTable() CostTable {
	return CostTable{
		"parse_source_document": {Credits: 1},
		"generate_document":     {Credits: 1},
		"analyze_posting":       {Credits: 1},
		"improve_text":          {Credits: 1},
		"preview_template":      {SkipDeduction: true},
	}
}

// Lookup resolves the billing policy for an operation name.
func (table CostTable) Lookup(operation string) OperationCost {
	if cost, found := table[operation]; found {
		if cost.Credits <= 0 && !cost.SkipDeduction {
			cost.Credits = DefaultOperationCost
		}
		return cost
	}
	return OperationCost{Credits: DefaultOperationCost}
}
