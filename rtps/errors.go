package rtps

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/liamstask/go-rtps/v2/cdr"
)

var (
	// ErrMalformedData marks input from the network that could not be
	// decoded. It is never surfaced to the application.
	ErrMalformedData = cdr.ErrMalformedData
	// ErrValueTooLong marks a local value that does not fit its wire
	// length field, such as an overlong topic name.
	ErrValueTooLong = cdr.ErrValueTooLong

	ErrOutOfOrder              = errors.New("rtps: sequence number out of order")
	ErrIncompleteFragment      = errors.New("rtps: fragmented sample incomplete")
	ErrQosIncompatible         = errors.New("rtps: incompatible qos")
	ErrLeaseExpired            = errors.New("rtps: participant lease expired")
	ErrRetransmissionExhausted = errors.New("rtps: retransmission attempts exhausted")
	ErrAuthentication          = errors.New("rtps: submessage failed authentication")
	ErrClosed                  = errors.New("rtps: participant closed")
	ErrAddressInUse            = errors.New("rtps: address in use")
	ErrUnknownEndpoint         = errors.New("rtps: unknown endpoint")
	ErrParticipantDisposed     = errors.New("rtps: participant disposed")
	ErrEndpointDisposed        = errors.New("rtps: endpoint disposed")
)

// QosIncompatibleError names the first policy that vetoed a match.
type QosIncompatibleError struct {
	Policy    string
	Offered   interface{}
	Requested interface{}
}

func (e *QosIncompatibleError) Error() string {
	return fmt.Sprintf("rtps: incompatible qos: %s offered %v, requested %v", e.Policy, e.Offered, e.Requested)
}

func (e *QosIncompatibleError) Unwrap() error {
	return ErrQosIncompatible
}
