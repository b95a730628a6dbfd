package resolution

import "sort"

// Claim is one creditor's exposure to a debtor: if the debtor defaults,
// the creditor loses Amount.
type Claim struct {
	Creditor string
	Amount   int64
}

// CascadeInput describes the exposure graph for the early-warning walk.
type CascadeInput struct {
	// Defaulting is the agent whose default starts the walk.
	Defaulting string
	// RunwayDays maps agent to remaining runway in days.
	RunwayDays map[string]int64
	// BurnRate maps agent to daily burn. Zero burn means losses never
	// shorten the runway.
	BurnRate map[string]int64
	// Claims maps a debtor to the claims held against it.
	Claims map[string][]Claim
}

// Cascade walks the exposure graph breadth-first from the defaulting
// agent and flags every agent whose runway would go negative after
// losing a defaulted counterparty's payment. A flagged agent is treated
// as defaulted for the rest of the walk, so chained failures propagate.
//
// This is an early-warning signal only; it never triggers default cases
// itself. The returned list is sorted.
func Cascade(in CascadeInput) []string {
	losses := make(map[string]int64)
	flagged := make(map[string]bool)

	queue := []string{in.Defaulting}
	for len(queue) > 0 {
		debtor := queue[0]
		queue = queue[1:]

		claims := append([]Claim(nil), in.Claims[debtor]...)
		sort.Slice(claims, func(i, j int) bool { return claims[i].Creditor < claims[j].Creditor })

		for _, claim := range claims {
			creditor := claim.Creditor
			losses[creditor] += claim.Amount
			if flagged[creditor] || creditor == in.Defaulting {
				continue
			}

			burn := in.BurnRate[creditor]
			if burn <= 0 {
				continue
			}
			lossDays := losses[creditor] / burn
			if in.RunwayDays[creditor]-lossDays < 0 {
				flagged[creditor] = true
				queue = append(queue, creditor)
			}
		}
	}

	out := make([]string, 0, len(flagged))
	for agent := range flagged {
		out = append(out, agent)
	}
	sort.Strings(out)
	return out
}
