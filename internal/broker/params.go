package broker

import "encoding/json"

// unmarshalParams decodes a control message's params payload into v.
func unmarshalParams(raw []byte, v interface{}) error {
	return json.Unmarshal(raw, v)
}
