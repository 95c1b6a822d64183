// Package handler provides the HTTP handlers of the PawGuard API.
//
// Handlers decode and validate the request, call one service and write the
// standard JSON envelope from infra/response. Errors are classified with
// infra/apperror, so a handler never picks a status code for a failure
// itself and never echoes internal error text to the client.
//
// # Handlers
//
//   - AuthHandler: registration, login, token rotation, logout and email
//     verification
//   - PaymentHandler: checkout sessions, status polling, refunds and the
//     gateway callback and webhook endpoints
//   - WAFHandler: blocklist administration, attack statistics and the
//     security event search
//   - HealthHandler: component and gateway health
//
// # Callbacks
//
// Callback and webhook endpoints are reached by the gateways and by the
// customer's browser, not by API clients. They always answer with the
// gateway's acknowledgement or a 200 so that a gateway stops retrying;
// whether the callback changed anything is decided by the payment service
// and shows up in the session state:
//
//	r.Post("/callback/{provider}", paymentHandler.HandleCallback)
//	r.Post("/webhooks/{provider}", paymentHandler.HandleWebhook)
//
// Routes and their protection profiles are wired in package router.
package handler
