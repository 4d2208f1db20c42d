package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// FromWatermill copies the headers of a received message.
func FromWatermill(md message.Metadata) Metadata {
	if len(md) == 0 {
		return Metadata{}
	}

	result := make(Metadata, len(md))
	for k, v := range md {
		result[k] = v
	}
	return result
}

// Apply writes metadata onto an outgoing message, keeping headers it already has.
func Apply(msg *message.Message, md Metadata) {
	if msg.Metadata == nil {
		msg.Metadata = message.Metadata{}
	}
	for k, v := range md {
		if _, exists := msg.Metadata[k]; exists {
			continue
		}
		msg.Metadata.Set(k, v)
	}
}
