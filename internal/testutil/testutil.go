// Package testutil provides deterministic randomness and message routing helpers for multi-party
// protocol tests.
package testutil

import (
	"crypto/sha3"
	"io"

	"github.com/silencelabs/dkls23/protocol"
)

// Rand returns a deterministic io.Reader seeded by the given string. Distinct seeds yield
// independent streams. For tests only; the stream is in no way secure randomness.
func Rand(seed string) io.Reader {
	shake := sha3.NewSHAKE256()
	_, _ = shake.Write([]byte("dkls23/testutil/rand"))
	_, _ = shake.Write([]byte(seed))
	return shake
}

// Route delivers a batch of outgoing messages into per-party inboxes. Broadcast messages are
// delivered to every party except the sender; point-to-point messages only to the addressed
// party.
func Route(inboxes map[uint8][]*protocol.Message, msgs []*protocol.Message) {
	for _, msg := range msgs {
		if msg.IsBroadcast() {
			for id := range inboxes {
				if id != msg.From {
					inboxes[id] = append(inboxes[id], msg)
				}
			}
			continue
		}
		if _, ok := inboxes[msg.To]; ok {
			inboxes[msg.To] = append(inboxes[msg.To], msg)
		}
	}
}

// Inboxes initializes an empty inbox per party id.
func Inboxes(ids []uint8) map[uint8][]*protocol.Message {
	inboxes := make(map[uint8][]*protocol.Message, len(ids))
	for _, id := range ids {
		inboxes[id] = nil
	}
	return inboxes
}
