package errorsx

// ReasonCode is a short machine-readable failure reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonClientInput    ReasonCode = "client_input"
	ReasonUpstreamFailed ReasonCode = "upstream_failed"
	ReasonTransport      ReasonCode = "transport"
	ReasonStorage        ReasonCode = "storage"
	ReasonMalformedFrame ReasonCode = "malformed_frame"
	ReasonCancelled      ReasonCode = "cancelled"
	ReasonInternal       ReasonCode = "internal"
)

// ClientVisible reports whether the wrapped error text may be shown to the client as is.
func (r ReasonCode) ClientVisible() bool {
	switch r {
	case ReasonClientInput, ReasonUpstreamFailed:
		return true
	default:
		return false
	}
}
