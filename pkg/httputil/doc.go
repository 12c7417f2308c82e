// Package httputil provides HTTP utilities for standardized request/response handling.
//
// # Response Helpers
//
//	httputil.WriteSuccess(w, decision)
//	httputil.WriteAccepted(w, result)
//	httputil.WriteBadRequest(w, "feature is required")
//	httputil.WriteInternalError(w, r, err) // logs err, sends a generic message
//
// Every error body has the shape {"error": "..."}.
//
// # Request Parsing
//
//	var req accessBody
//	if !httputil.ParseJSONOrError(w, r, &req) {
//		return // Error response already written
//	}
//
// Bodies are capped at MaxBodyBytes and unknown fields are rejected.
//
// # Middleware
//
//	httputil.Chain(
//		httputil.RecoveryMiddleware,
//		httputil.LoggingMiddleware,
//		httputil.TimeoutMiddleware(250*time.Millisecond),
//		httputil.ContentTypeMiddleware,
//	)
package httputil
