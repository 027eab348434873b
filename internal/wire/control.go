// Package wire implements the NT4 wire codec: JSON encode/decode for the
// control channel and MessagePack encode/decode for the binary value and
// time-sync channel. The codec is stateless — it never touches topic or
// connection state, only frame shapes.
package wire

import (
	"encoding/json"
	"fmt"
)

// Control message method names, both client->server and server->client.
const (
	MethodPublish       = "publish"
	MethodUnpublish     = "unpublish"
	MethodSubscribe     = "subscribe"
	MethodUnsubscribe   = "unsubscribe"
	MethodSetProperties = "setproperties"
	MethodAnnounce      = "announce"
	MethodUnannounce    = "unannounce"
	MethodProperties    = "properties"
)

// ControlMessage is one element of a text-frame JSON array.
type ControlMessage struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

// PublishParams is the payload of a client->server "publish" message.
type PublishParams struct {
	Name       string                 `json:"name"`
	Type       string                 `json:"type"`
	PubUID     int64                  `json:"pubuid"`
	Properties map[string]interface{} `json:"properties"`
}

// UnpublishParams is the payload of a client->server "unpublish" message.
type UnpublishParams struct {
	PubUID int64 `json:"pubuid"`
}

// SubscribeOptions controls delivery behavior for a subscription (§3).
type SubscribeOptions struct {
	Prefix     bool    `json:"prefix,omitempty"`
	All        bool    `json:"all,omitempty"`
	TopicsOnly bool    `json:"topicsonly,omitempty"`
	Periodic   float64 `json:"periodic,omitempty"`
}

// DefaultPeriodic is used when a subscribe request omits options.periodic.
const DefaultPeriodic = 0.1

// SubscribeParams is the payload of a client->server "subscribe" message.
type SubscribeParams struct {
	SubUID  int64            `json:"subuid"`
	Topics  []string         `json:"topics"`
	Options SubscribeOptions `json:"options"`
}

// UnsubscribeParams is the payload of a client->server "unsubscribe" message.
type UnsubscribeParams struct {
	SubUID int64 `json:"subuid"`
}

// SetPropertiesParams is the payload of a client->server "setproperties"
// message. A value of JSON null in Update deletes that key.
type SetPropertiesParams struct {
	Name   string                 `json:"name"`
	Update map[string]interface{} `json:"update"`
}

// AnnounceParams is the payload of a server->client "announce" message.
// PubUID is only present in the copy sent to the publishing connection.
type AnnounceParams struct {
	Name       string                 `json:"name"`
	ID         int64                  `json:"id"`
	Type       string                 `json:"type"`
	Properties map[string]interface{} `json:"properties"`
	PubUID     *int64                 `json:"pubuid,omitempty"`
}

// UnannounceParams is the payload of a server->client "unannounce" message.
type UnannounceParams struct {
	Name string `json:"name"`
	ID   int64  `json:"id,omitempty"`
}

// PropertiesParams is the payload of a server->client "properties" message.
type PropertiesParams struct {
	Name       string                 `json:"name"`
	Ack        bool                   `json:"ack,omitempty"`
	Properties map[string]interface{} `json:"properties"`
}

// DecodeControlBatch parses a text frame: a JSON array of one or more
// {"method", "params"} objects. A client may batch several control messages
// in one text frame.
func DecodeControlBatch(data []byte) ([]ControlMessage, error) {
	var batch []ControlMessage
	if err := json.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("wire: decode control batch: %w", err)
	}
	return batch, nil
}

// EncodeControlBatch serializes one or more control messages into a single
// text frame payload.
func EncodeControlBatch(msgs ...ControlMessage) ([]byte, error) {
	data, err := json.Marshal(msgs)
	if err != nil {
		return nil, fmt.Errorf("wire: encode control batch: %w", err)
	}
	return data, nil
}

// MarshalParams is a small helper for building a ControlMessage from a
// method name and a typed params struct.
func MarshalParams(method string, params interface{}) (ControlMessage, error) {
	raw, err := json.Marshal(params)
	if err != nil {
		return ControlMessage{}, fmt.Errorf("wire: encode params for %s: %w", method, err)
	}
	return ControlMessage{Method: method, Params: raw}, nil
}
