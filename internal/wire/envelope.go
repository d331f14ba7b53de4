// Package wire defines the JSON request/reply envelope spoken between the
// broker's RPC proxy and a worker's command loop. The values carried inside
// it are plain interface{} holding decoded JSON.
package wire

import "encoding/json"

// Request is what the proxy sends to a worker: a command name plus an
// arbitrary bag of named arguments. The broker never inspects Args beyond
// passing it through.
type Request struct {
	Command string                 `json:"command"`
	Args    map[string]interface{} `json:"args,omitempty"`
}

// Reply is what a worker sends back. Exactly one of Result or Error is set,
// matching success.
type Reply struct {
	Success   bool        `json:"success"`
	Result    interface{} `json:"result,omitempty"`
	Error     string      `json:"error,omitempty"`
	Traceback string      `json:"traceback,omitempty"`
}

// TransportError builds the reply shape used when the proxy itself could not
// complete an RPC (dial/timeout/decode failure). The broker does not mark
// the session dead on the strength of this alone -- liveness is judged
// separately against the OS process.
func TransportError(err error) Reply {
	return Reply{Success: false, Error: err.Error()}
}

// EngineError builds the reply shape for a recognized command that failed
// inside the engine/bundle.
func EngineError(msg string) Reply {
	return Reply{Success: false, Error: msg}
}

// UnmarshalFrom decodes one Request/Reply from dec.

func (r *Request) UnmarshalFrom(dec *json.Decoder) error { return dec.Decode(r) }
func (r *Reply) UnmarshalFrom(dec *json.Decoder) error    { return dec.Decode(r) }
