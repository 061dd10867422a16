package utility

// Configured sets up the price provider and the fee schedule based on flags.
func Configured() (Provider, *Fees) {
	return configuredComEd(), configuredFees()
}
