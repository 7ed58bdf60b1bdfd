package payments

import (
	"context"

	"github.com/google/uuid"

	"namcportal/escrow"
)

// SimulatedProcessor mints intent ids locally so development environments
// run the full funding flow without Stripe credentials or webhooks. The
// escrow service confirms simulated intents inline.
type SimulatedProcessor struct{}

func (SimulatedProcessor) CreateFundingIntent(_ context.Context, _ escrow.FundingIntentParams) (string, error) {
	return "pi_sim_" + uuid.NewString(), nil
}
