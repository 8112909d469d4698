package wire

// Kind names an internal failure class. Kinds map to wire-level close codes
// and in-band error envelope codes; the zero CloseCode means the failure is
// non-terminal and is reported only as an error envelope.
type Kind string

const (
	KindAuthenticationRequired  Kind = "authentication_required"
	KindInvalidMessageFormat    Kind = "invalid_message_format"
	KindRateLimitExceeded       Kind = "rate_limit_exceeded"
	KindConnectionLimitExceeded Kind = "connection_limit_exceeded"
	KindUpstreamUnavailable     Kind = "upstream_unavailable"
	KindUpstreamThrottled       Kind = "upstream_throttled"
	KindServerError             Kind = "server_error"
	KindNormalShutdown          Kind = "normal_shutdown"
)

type mapping struct {
	closeCode int
	errCode   int
}

var kindTable = map[Kind]mapping{
	KindAuthenticationRequired:  {closeCode: 1008, errCode: 4401},
	KindInvalidMessageFormat:    {closeCode: 0, errCode: 4001},
	KindRateLimitExceeded:       {closeCode: 0, errCode: 4002},
	KindConnectionLimitExceeded: {closeCode: 1008, errCode: 4003},
	KindUpstreamUnavailable:     {closeCode: 0, errCode: 5011},
	KindUpstreamThrottled:       {closeCode: 0, errCode: 5012},
	KindServerError:             {closeCode: 1011, errCode: 5000},
	KindNormalShutdown:          {closeCode: 1000, errCode: 0},
}

// CloseCode returns the transport close code for the kind, or 0 when the
// failure is in-band only. Unknown kinds map to server_error.
func (k Kind) CloseCode() int {
	m, ok := kindTable[k]
	if !ok {
		return kindTable[KindServerError].closeCode
	}
	return m.closeCode
}

// ErrorCode returns the in-band error envelope code for the kind, or 0 when
// the kind has no envelope form (normal_shutdown).
func (k Kind) ErrorCode() int {
	m, ok := kindTable[k]
	if !ok {
		return kindTable[KindServerError].errCode
	}
	return m.errCode
}

// Terminal reports whether the kind closes the transport.
func (k Kind) Terminal() bool { return k.CloseCode() != 0 }

// NewError builds the in-band error envelope for a kind.
func NewError(kind Kind, message string) *Error {
	return &Error{
		Type:    TypeError,
		Code:    kind.ErrorCode(),
		Kind:    string(kind),
		Message: message,
	}
}
