package transport

// Carrier media-stream wire messages. The protocol follows the Twilio
// Media Streams shape: JSON text frames with an event discriminator and
// base64 payloads for audio.

type inboundMessage struct {
	Event          string        `json:"event"`
	SequenceNumber string        `json:"sequenceNumber,omitempty"`
	StreamSid      string        `json:"streamSid,omitempty"`
	Start          *startPayload `json:"start,omitempty"`
	Media          *mediaPayload `json:"media,omitempty"`
	Mark           *markPayload  `json:"mark,omitempty"`
}

type startPayload struct {
	CallSid   string      `json:"callSid"`
	StreamSid string      `json:"streamSid"`
	MediaFmt  mediaFormat `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaPayload struct {
	Payload   string `json:"payload"` // base64 audio
	Timestamp string `json:"timestamp,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
}

type markPayload struct {
	Name string `json:"name"`
}

type outboundMessage struct {
	Event     string           `json:"event"`
	StreamSid string           `json:"streamSid,omitempty"`
	Media     *mediaPayload    `json:"media,omitempty"`
	Mark      *markPayload     `json:"mark,omitempty"`
}

// endOfTurnMark names the marker the carrier echoes back once every
// queued media frame before it has been played out.
const endOfTurnMark = "end-of-turn"
