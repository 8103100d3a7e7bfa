package rendezvous

// Frame kinds exchanged over a signalling link. The relay inspects
// only the envelope; Payload is opaque to it.
const (
	FrameOpen   = "open"
	FrameAccept = "accept"
	FrameData   = "data"
	FrameClose  = "close"
	FrameError  = "error"
)

// Frame is the signalling envelope. Every frame belongs to one logical
// session between two peers; the relay routes it by the To field and
// stamps From with the authenticated sender id.
type Frame struct {
	Kind      string `json:"kind"`
	SessionID string `json:"sessionId,omitempty"`
	From      string `json:"from,omitempty"`
	To        string `json:"to,omitempty"`
	Payload   []byte `json:"payload,omitempty"`
	Reason    string `json:"reason,omitempty"`
}
