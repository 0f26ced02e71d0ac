package domain

// NetworkRule is the part of a network policy the ledger enforces.
type NetworkRule struct {
	RequiredConfirmations int
	BlocksDownload        bool
}

// RuleSet is a static AnchorRules keyed by network name.
type RuleSet map[string]NetworkRule

func (r RuleSet) Supports(network string) bool {
	_, ok := r[network]
	return ok
}

func (r RuleSet) RequiredConfirmations(network string) int {
	if rule, ok := r[network]; ok && rule.RequiredConfirmations > 0 {
		return rule.RequiredConfirmations
	}
	return 1
}

func (r RuleSet) BlocksDownload(network string) bool {
	return r[network].BlocksDownload
}
