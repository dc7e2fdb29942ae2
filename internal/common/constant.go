// Package common contains shared constants and sentinel errors used across
// Memory Weaver components.
package common

// AuthorizationHeaderName carries the bearer token resolved into the trusted
// owner id by the HTTP boundary.
const AuthorizationHeaderName = "Authorization"

// RequestIDHeaderName is echoed back on every HTTP response.
const RequestIDHeaderName = "X-Request-Id"
