package twilio

// Inbound and outbound media stream messages. Only the fields carecall uses
// are modelled; unknown fields are ignored.

type inbound struct {
	Event          string     `json:"event"`
	SequenceNumber string     `json:"sequenceNumber,omitempty"`
	StreamSID      string     `json:"streamSid,omitempty"`
	Start          *startBody `json:"start,omitempty"`
	Media          *mediaBody `json:"media,omitempty"`
	Mark           *markBody  `json:"mark,omitempty"`
	Stop           *stopBody  `json:"stop,omitempty"`
}

type startBody struct {
	StreamSID        string            `json:"streamSid"`
	AccountSID       string            `json:"accountSid"`
	CallSID          string            `json:"callSid"`
	Tracks           []string          `json:"tracks"`
	CustomParameters map[string]string `json:"customParameters"`
	MediaFormat      mediaFormat       `json:"mediaFormat"`
}

type mediaFormat struct {
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sampleRate"`
	Channels   int    `json:"channels"`
}

type mediaBody struct {
	Track     string `json:"track,omitempty"`
	Chunk     string `json:"chunk,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	Payload   string `json:"payload"`
}

type markBody struct {
	Name string `json:"name"`
}

type stopBody struct {
	AccountSID string `json:"accountSid"`
	CallSID    string `json:"callSid"`
}

type outbound struct {
	Event     string     `json:"event"`
	StreamSID string     `json:"streamSid"`
	Media     *mediaBody `json:"media,omitempty"`
	Mark      *markBody  `json:"mark,omitempty"`
}

const (
	eventConnected = "connected"
	eventStart     = "start"
	eventMedia     = "media"
	eventMark      = "mark"
	eventStop      = "stop"
	eventClear     = "clear"
)
