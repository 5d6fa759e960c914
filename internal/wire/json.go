package wire

import (
	"encoding/json"
	"fmt"
)

// envelope is the on-the-wire JSON shape: a "type" discriminator alongside
// the flattened fields of the concrete frame, matching the teacher's
// discriminated-JSON convention (worldDiffEnvelope.Type) rather than a
// nested "payload" object.
type envelope struct {
	Type FrameType `json:"type"`
}

// MarshalRequest encodes an outbound Request as a tagged JSON envelope.
func MarshalRequest(req Request) ([]byte, error) {
	raw, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal %s: %w", req.FrameType(), err)
	}
	return injectType(raw, req.FrameType())
}

// DecodeInbound parses a tagged JSON envelope into the typed Inbound enum.
func DecodeInbound(data []byte) (Inbound, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Inbound{}, fmt.Errorf("wire: decode envelope: %w", err)
	}
	msg := Inbound{Type: env.Type}
	var err error
	switch env.Type {
	case FrameSubscribeResponse:
		msg.SubscribeResponse = new(SubscribeResponse)
		err = json.Unmarshal(data, msg.SubscribeResponse)
	case FrameUnsubscribeResponse:
		msg.UnsubscribeResponse = new(UnsubscribeResponse)
		err = json.Unmarshal(data, msg.UnsubscribeResponse)
	case FrameResendResponseResending:
		msg.ResendResponseResending = new(ResendResponseResending)
		err = json.Unmarshal(data, msg.ResendResponseResending)
	case FrameResendResponseResent:
		msg.ResendResponseResent = new(ResendResponseResent)
		err = json.Unmarshal(data, msg.ResendResponseResent)
	case FrameResendResponseNoResend:
		msg.ResendResponseNoResend = new(ResendResponseNoResend)
		err = json.Unmarshal(data, msg.ResendResponseNoResend)
	case FrameBroadcastMessage:
		msg.Broadcast = new(BroadcastMessage)
		err = json.Unmarshal(data, msg.Broadcast)
	case FrameUnicastMessage:
		msg.Unicast = new(UnicastMessage)
		err = json.Unmarshal(data, msg.Unicast)
	case FrameErrorResponse:
		msg.Error = new(ErrorResponse)
		err = json.Unmarshal(data, msg.Error)
	default:
		return Inbound{}, fmt.Errorf("wire: unknown frame type %q", env.Type)
	}
	if err != nil {
		return Inbound{}, fmt.Errorf("wire: decode %s: %w", env.Type, err)
	}
	return msg, nil
}

// injectType merges the "type" discriminator into an already-marshaled
// struct's top-level JSON object.
func injectType(raw []byte, t FrameType) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	typeRaw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	fields["type"] = typeRaw
	return json.Marshal(fields)
}
