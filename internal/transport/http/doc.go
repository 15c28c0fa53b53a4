// Package http implements the handlers of the agent's local control
// API. It is a thin layer between HTTP transport and the services
// package; handlers parse requests, call one service method and shape
// the response, nothing more.
//
// # Request Flow
//
// A request flows through these layers:
//
//	HTTP Request → Chi Router → Middleware → Handler → Service → license/security/updater
//	                                              ↓
//	HTTP Response ← Handler ← Service Response ←─┘
//
// # Handler Structure
//
// Each handler follows this pattern:
//
//	func (h *Handler) HandleSomething(w http.ResponseWriter, r *http.Request) {
//	    // 1. Parse and validate request
//	    req, err := parseRequest(r)
//	    if err != nil {
//	        render.Render(w, r, errors.InvalidRequestWithError(err))
//	        return
//	    }
//
//	    // 2. Call service layer
//	    result, err := h.service.DoSomething(r.Context(), req)
//	    if err != nil {
//	        h.handleError(w, r, err)
//	        return
//	    }
//
//	    // 3. Format and send response
//	    render.JSON(w, r, result)
//	}
//
// # Error Handling
//
// Errors are rendered as RFC 7807 problem documents. Each handler's
// handleError maps its own state conflicts (nothing staged, source not
// configured) and defers sentinel errors to errors.MapLicenseError so
// the whole API reports a given failure the same way:
//
//	{
//	    "type": "/errors/no-staged-update",
//	    "title": "No Staged Update",
//	    "status": 409,
//	    "detail": "Nothing is staged for hand-off; run apply first.",
//	    "instance": "/api/update/handoff#req-id",
//	    "trace_id": "..."
//	}
//
// # Secret Hygiene
//
// The vault surface is write-only: credential values enter through
// SetCredential and are sealed immediately; no endpoint, log line or
// error message ever carries a stored value back out. The raw machine
// fingerprint is served only on GET /api/license/fingerprint for the
// operator to quote to the vendor; everywhere else it appears as a
// hash.
package http
