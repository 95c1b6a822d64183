// Package provider puts the booking checkout behind one interface for every
// payment gateway PawGuard talks to.
//
// # Core Concepts
//
//   - PaymentProvider: implemented by each gateway adapter (iyzico, paytr, stripe)
//   - ProviderRegistry: adapters register a factory from their init function
//   - Providers: the adapters that had complete credentials at startup
//   - PaymentService: sessions, the callback pipeline and refunds
//   - SessionStore and Ledger: session state and the replay guard
//
// # Amounts
//
// Every amount is an int64 in minor units (kuruş, cents). Adapters convert to
// the decimal strings a gateway expects at the edge and back again when they
// parse a callback.
//
// # Callback Pipeline
//
// HandleCallback runs the same checks for every gateway, in this order:
//
//  1. the source address against the provider allowlist (binding in production)
//  2. required fields and the signature, inside the adapter's VerifyCallback
//  3. the order reference against a stored session of the same provider
//  4. the amount against the session amount
//  5. the status against the success/failed enum
//  6. the replay ledger
//
// Only a callback that passes all six moves the session out of pending, and
// only that transition publishes a payment event. Replays are acknowledged to
// the gateway without side effects.
//
// # Adding a Gateway
//
//	package mygateway
//
//	func init() {
//	    provider.Register("mygateway", NewProvider)
//	}
//
// The adapter reads its credentials in Initialize, fails when one is missing
// and must compare signatures with hmac.Equal.
package provider
