package codec

import (
	"fmt"
	"net/netip"

	"github.com/pion/stun"
)

// Reply carries the shared parts of every response the relay sends.
type Reply struct {
	// Software is advertised in every response when set.
	Software string

	// Key signs the response with MESSAGE-INTEGRITY when set.
	Key []byte
}

// StatusError is a request failure reported to the client as an error
// response with the given code, reason and extra attributes.
type StatusError struct {
	Code   int
	Reason string
	Attrs  []stun.Setter
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("%d %s", e.Code, e.Reason)
}

// Success builds a success response to req.
func (r Reply) Success(req *Request, setters ...stun.Setter) ([]byte, error) {
	return r.build(req, stun.ClassSuccessResponse, setters)
}

// Error builds an error response to req.
func (r Reply) Error(req *Request, code int, reason string, setters ...stun.Setter) ([]byte, error) {
	ec := &stun.ErrorCodeAttribute{Code: stun.ErrorCode(code), Reason: []byte(reason)}
	return r.build(req, stun.ClassErrorResponse, append([]stun.Setter{ec}, setters...))
}

func (r Reply) build(req *Request, class stun.MessageClass, setters []stun.Setter) ([]byte, error) {
	all := make([]stun.Setter, 0, len(setters)+5)
	all = append(all,
		stun.NewTransactionIDSetter(req.TransactionID()),
		stun.NewType(req.Method(), class),
	)
	all = append(all, setters...)
	if r.Software != "" {
		all = append(all, stun.NewSoftware(r.Software))
	}
	if len(r.Key) > 0 {
		all = append(all, stun.MessageIntegrity(r.Key))
	}
	all = append(all, stun.Fingerprint)

	m, err := stun.Build(all...)
	if err != nil {
		return nil, err
	}
	return m.Raw, nil
}

// DataIndication builds a Data indication carrying payload from peer.
func DataIndication(peer netip.AddrPort, payload []byte) ([]byte, error) {
	m, err := stun.Build(
		stun.TransactionID,
		stun.NewType(stun.MethodData, stun.ClassIndication),
		PeerAddress(peer),
		Data(payload),
		stun.Fingerprint,
	)
	if err != nil {
		return nil, err
	}
	return m.Raw, nil
}
