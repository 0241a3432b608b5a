package pubsub

import "encoding/json"

// pack serializes a JSON-representable value to its wire form. It is the
// "trusted helper" §1 describes as an external collaborator; the Session
// and ChannelLock never inspect the string it produces beyond round-tripping
// it through unpack.
func pack(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// unpack is the inverse of pack. A payload that did not originate from
// pack (e.g. a raw NOTIFY issued outside this package) is still accepted as
// long as it parses as JSON; anything else yields a DecodeError at the call
// site.
func unpack(s string, v any) error {
	return json.Unmarshal([]byte(s), v)
}
