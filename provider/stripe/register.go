package stripe

import "github.com/mstgnz/pawguard/provider"

// Register Stripe provider with the gateway registry
func init() {
	provider.Register("stripe", NewProvider)
}
