// Package pawguard is the security and payment core of the PawGuard pet
// hotel and pet taxi platform. It authenticates customers and staff, keeps
// abusive traffic away from the API and takes payments for bookings through
// hosted checkouts of İyzico, PayTR and Stripe.
//
// # Architecture
//
// Every request passes the same chain before it reaches a handler:
//
//	┌──────────┐   ┌──────────────┐   ┌───────────┐   ┌─────────┐   ┌───────────┐
//	│  Client  │──►│ Rate Limiter │──►│    WAF    │──►│   JWT   │──►│  Handler  │
//	│ /Gateway │   │ (per route)  │   │ (inspect) │   │ (+role) │   │           │
//	└──────────┘   └──────────────┘   └───────────┘   └─────────┘   └───────────┘
//
// Rate limiter counters, WAF blocklists, refresh token registries, email
// verification tokens and the callback ledger all live behind infra/store,
// which is in-process memory for a single instance or Redis when several
// instances share the load.
//
// # Payments
//
// A booking is paid through a payment session. The API opens a hosted
// checkout with the chosen gateway and the session stays pending until a
// callback arrives that passes, in order:
//
//  1. the source IP allowlist of the gateway
//  2. the presence of every required field
//  3. the gateway's signature scheme
//  4. the amount check against the session
//  5. the status enum check
//  6. the replay ledger
//
// Only then does the session move to success or failed, and a payment event
// is published on NATS for the booking and receipt services.
//
// # HTTP API
//
//	POST   /v1/auth/register                    create an account
//	POST   /v1/auth/login                       exchange credentials for tokens
//	POST   /v1/auth/refresh                     rotate a refresh token
//	POST   /v1/auth/logout                      revoke a refresh token
//	POST   /v1/auth/logout-all                  revoke every session
//	POST   /v1/auth/verify-email                consume a verification link
//	POST   /v1/auth/verify-email/resend         send a new link
//	POST   /v1/payments/{provider}              open a checkout
//	GET    /v1/payments/{orderRef}              poll a session
//	POST   /v1/admin/payments/{orderRef}/refund refund a payment
//	GET    /v1/admin/payments/{orderRef}/calls  outbound gateway calls
//	GET    /v1/admin/waf/stats                  attack statistics
//	GET    /v1/admin/waf/blocked                blocklist
//	POST   /v1/admin/waf/block                  block an address
//	DELETE /v1/admin/waf/block/{ip}             unblock an address
//	GET    /v1/admin/security/events            search security events
//	POST   /callback/{provider}                 gateway and browser callbacks
//	POST   /webhooks/{provider}                 signed gateway webhooks
//	GET    /health                              component health
//	GET    /metrics                             Prometheus metrics
//
// # Configuration
//
// Configuration is read from the environment, optionally through a .env
// file. JWT_SECRET is required and must be at least 32 bytes; the service
// refuses to start without it. A gateway whose credentials are incomplete
// stays unavailable:
//
//	JWT_SECRET=...
//	IYZICO_API_KEY=...          IYZICO_SECRET_KEY=...
//	PAYTR_MERCHANT_ID=...       PAYTR_MERCHANT_KEY=...      PAYTR_MERCHANT_SALT=...
//	STRIPE_SECRET_KEY=...       STRIPE_WEBHOOK_SECRET=...
//	STORE_BACKEND=memory|redis  DB_DRIVER=sqlite3|postgres  NATS_URL=...
//
// Rate limit profiles can be tuned with RATE_LIMIT_<PROFILE>="<max>/<window>",
// for example RATE_LIMIT_LOGIN="5/15m".
//
// # Tooling
//
// cmd/pawguardctl generates secrets and password hashes and reproduces
// gateway signatures when a callback has to be investigated.
package pawguard
