package meshtypes

import "errors"

// Error kinds propagated across subsystem boundaries (spec §7). Each is
// a sentinel; call sites wrap with fmt.Errorf("...: %w", ErrX) to add
// context without losing errors.Is compatibility.
var (
	ErrTransportUnavailable     = errors.New("transport unavailable")
	ErrConnectAttemptsExhausted = errors.New("connect attempts exhausted")
	ErrQueryTimeout             = errors.New("query timeout")
	ErrNoSuitableCandidates     = errors.New("no suitable candidates")
	ErrTaskTimeout              = errors.New("task timeout")
	ErrVerificationInsufficient = errors.New("verification insufficient")
	ErrSignatureInvalid         = errors.New("signature invalid")
	ErrCircuitBreakerOpen       = errors.New("circuit breaker open")
	ErrTelemetryUnavailable     = errors.New("telemetry unavailable")
)
