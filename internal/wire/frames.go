// Package wire defines the JSON frames exchanged between clients and
// the relay over a websocket. A Frame is a tagged union: the Kind field
// names the single payload pointer that must be set, and the router
// dispatches on it exhaustively.
package wire

import (
	"errors"
	"fmt"
	"time"
)

// Kind tags the frame variants.
type Kind string

const (
	KindConnect         Kind = "connect"
	KindConnectAck      Kind = "connect_ack"
	KindInitiate        Kind = "initiate"
	KindAccept          Kind = "accept"
	KindSend            Kind = "send"
	KindSendAck         Kind = "send_ack"
	KindDeliver         Kind = "deliver"
	KindHistoryRequest  Kind = "history_request"
	KindHistoryResponse Kind = "history_response"
	KindPresenceChanged Kind = "presence_changed"
	KindError           Kind = "error"
)

// Frame is the wire envelope. Exactly one payload field matching Kind
// is set.
type Frame struct {
	Kind            Kind             `json:"kind"`
	Connect         *Connect         `json:"connect,omitempty"`
	ConnectAck      *ConnectAck      `json:"connect_ack,omitempty"`
	Initiate        *Handshake       `json:"initiate,omitempty"`
	Accept          *Handshake       `json:"accept,omitempty"`
	Send            *Send            `json:"send,omitempty"`
	SendAck         *SendAck         `json:"send_ack,omitempty"`
	Deliver         *Deliver         `json:"deliver,omitempty"`
	HistoryRequest  *HistoryRequest  `json:"history_request,omitempty"`
	HistoryResponse *HistoryResponse `json:"history_response,omitempty"`
	PresenceChanged *PresenceChanged `json:"presence_changed,omitempty"`
	Error           *Error           `json:"error,omitempty"`
}

// Connect authenticates a connection. It must be the first frame a
// client sends; the token comes from the external identity service.
type Connect struct {
	Identity  string `json:"identity"`
	AuthToken string `json:"auth_token"`
}

// ConnectAck confirms authentication and snapshots current presence.
type ConnectAck struct {
	Identity string   `json:"identity"`
	Present  []string `json:"present,omitempty"`
}

// Handshake carries one half of the public-key exchange. From is filled
// by the relay when forwarding so recipients cannot be spoofed.
type Handshake struct {
	To        string `json:"to"`
	From      string `json:"from,omitempty"`
	PublicKey []byte `json:"public_key"`
}

// Send asks the relay to persist and forward an encrypted message.
type Send struct {
	To         string `json:"to"`
	Ciphertext []byte `json:"ciphertext"`
	Nonce      []byte `json:"nonce"`
	Tag        []byte `json:"tag,omitempty"`
}

// SendAck returns the relay-assigned message id to the sender. It is
// sent once the envelope is durable, regardless of delivery outcome.
type SendAck struct {
	MessageID string `json:"message_id"`
}

// Deliver pushes an envelope to a present recipient.
type Deliver struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// HistoryRequest fetches a conversation's persisted envelopes.
type HistoryRequest struct {
	Peer  string `json:"peer"`
	Limit int    `json:"limit,omitempty"`
}

// HistoryResponse returns envelopes oldest-first.
type HistoryResponse struct {
	Peer      string     `json:"peer"`
	Envelopes []Envelope `json:"envelopes"`
}

// Envelope is the wire form of a stored message.
type Envelope struct {
	MessageID  string    `json:"message_id"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Ciphertext []byte    `json:"ciphertext"`
	Nonce      []byte    `json:"nonce"`
	Tag        []byte    `json:"tag,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// PresenceChanged announces an identity going online or offline.
type PresenceChanged struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
}

// Error reports a per-frame failure back to the sender. Frame names
// the kind of the rejected frame and Peer its target, when known, so
// the sender can match the failure to the request that caused it.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Frame   Kind   `json:"frame,omitempty"`
	Peer    string `json:"peer,omitempty"`
}

// Validate checks that the frame carries exactly the payload its kind
// names.
func (f *Frame) Validate() error {
	if f == nil {
		return errors.New("nil frame")
	}
	set := 0
	for _, p := range []bool{
		f.Connect != nil, f.ConnectAck != nil, f.Initiate != nil,
		f.Accept != nil, f.Send != nil, f.SendAck != nil, f.Deliver != nil,
		f.HistoryRequest != nil, f.HistoryResponse != nil,
		f.PresenceChanged != nil, f.Error != nil,
	} {
		if p {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("frame must carry exactly one payload, has %d", set)
	}

	var ok bool
	switch f.Kind {
	case KindConnect:
		ok = f.Connect != nil
	case KindConnectAck:
		ok = f.ConnectAck != nil
	case KindInitiate:
		ok = f.Initiate != nil
	case KindAccept:
		ok = f.Accept != nil
	case KindSend:
		ok = f.Send != nil
	case KindSendAck:
		ok = f.SendAck != nil
	case KindDeliver:
		ok = f.Deliver != nil
	case KindHistoryRequest:
		ok = f.HistoryRequest != nil
	case KindHistoryResponse:
		ok = f.HistoryResponse != nil
	case KindPresenceChanged:
		ok = f.PresenceChanged != nil
	case KindError:
		ok = f.Error != nil
	default:
		return fmt.Errorf("unknown frame kind %q", f.Kind)
	}
	if !ok {
		return fmt.Errorf("frame kind %q does not match its payload", f.Kind)
	}
	return nil
}
