package params

const (
	// KeyTradePolicy stores the factory-wide trade policy: owner, arbitrator,
	// fee recipient, rates, dispute stake, credential address and pause flag.
	KeyTradePolicy = "escrow/policy"
)
