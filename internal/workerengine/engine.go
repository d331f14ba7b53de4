// Package workerengine is the worker-side stand-in for the real scientific
// computation engine. The broker never inspects engine results beyond a
// success flag; this package exists so the broker's normalization, logging,
// and timing pipeline can be exercised end-to-end without depending on any
// real computation package.
package workerengine

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// commandFunc is one dispatch table entry: an engine command bound to its
// bundle, taking the request's named arguments and returning a raw (not yet
// normalized) result or an error.
type commandFunc func(b *Bundle, args map[string]interface{}) (interface{}, error)

// commands is the dispatch table keyed by command name, mirroring the
// original's self.commands map. Left open so a real engine's commands could
// be registered here alongside or instead of the bundle's.
var commands = map[string]commandFunc{
	"ping":          cmdPing,
	"get_value":     cmdGetValue,
	"set_value":     cmdSetValue,
	"get_parameter": cmdGetParameter,
	"run_compute":   cmdRunCompute,
	"get_uniqueid":  cmdGetUniqueID,
}

// Bundle is the in-memory parameter store one worker owns. It is opaque to
// the broker: the broker only ever sees normalized JSON values flowing back
// through the wire envelope.
type Bundle struct {
	mu     sync.Mutex
	id     string
	params map[string]interface{}
}

// NewBundle creates an empty bundle with a fresh unique id.
func NewBundle() *Bundle {
	return &Bundle{
		id:     uuid.NewString(),
		params: make(map[string]interface{}),
	}
}

// ErrUnknownCommand is returned by Dispatch for a command name absent from
// the dispatch table.
type ErrUnknownCommand struct{ Command string }

func (e ErrUnknownCommand) Error() string {
	return fmt.Sprintf("unknown command: %s", e.Command)
}

// Dispatch routes a command to its handler and normalizes the result.
// Unknown commands return ErrUnknownCommand rather than panicking.
func (b *Bundle) Dispatch(command string, args map[string]interface{}) (interface{}, error) {
	fn, ok := commands[command]
	if !ok {
		return nil, ErrUnknownCommand{Command: command}
	}

	result, err := fn(b, args)
	if err != nil {
		return nil, err
	}
	return Normalize(result), nil
}

func cmdPing(b *Bundle, args map[string]interface{}) (interface{}, error) {
	return true, nil
}

func cmdGetUniqueID(b *Bundle, args map[string]interface{}) (interface{}, error) {
	return b.id, nil
}

func cmdGetValue(b *Bundle, args map[string]interface{}) (interface{}, error) {
	name, ok := args["name"].(string)
	if !ok {
		return nil, fmt.Errorf("get_value: missing required arg %q", "name")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	value, ok := b.params[name]
	if !ok {
		return nil, fmt.Errorf("get_value: no such parameter %q", name)
	}
	return value, nil
}

func cmdSetValue(b *Bundle, args map[string]interface{}) (interface{}, error) {
	name, ok := args["name"].(string)
	if !ok {
		return nil, fmt.Errorf("set_value: missing required arg %q", "name")
	}
	value, ok := args["value"]
	if !ok {
		return nil, fmt.Errorf("set_value: missing required arg %q", "value")
	}

	b.mu.Lock()
	b.params[name] = value
	b.mu.Unlock()

	return true, nil
}

func cmdGetParameter(b *Bundle, args map[string]interface{}) (interface{}, error) {
	name, ok := args["name"].(string)
	if !ok {
		return nil, fmt.Errorf("get_parameter: missing required arg %q", "name")
	}
	unit, _ := args["unit"].(string)
	if unit == "" {
		unit = "dimensionless"
	}

	b.mu.Lock()
	raw, ok := b.params[name]
	b.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("get_parameter: no such parameter %q", name)
	}

	value, ok := raw.(float64)
	if !ok {
		if asInt, ok := raw.(int); ok {
			value = float64(asInt)
		} else {
			return nil, fmt.Errorf("get_parameter: %q is not numeric", name)
		}
	}

	return Quantity{Value: value, Unit: unit}, nil
}

// cmdRunCompute is a deterministic, cheap placeholder standing in for the
// real engine's computation: it sums the currently stored numeric
// parameters and deliberately spends a fraction of a millisecond doing so,
// so execution_time_ms observed by the HTTP facade is reliably > 0 without
// making tests slow.
func cmdRunCompute(b *Bundle, args map[string]interface{}) (interface{}, error) {
	start := time.Now()

	b.mu.Lock()
	var total float64
	for _, v := range b.params {
		switch x := v.(type) {
		case float64:
			total += x
		case int:
			total += float64(x)
		}
	}
	b.mu.Unlock()

	for time.Since(start) < 200*time.Microsecond {
		// Busy-spin briefly so even a parameter-less bundle reports a
		// nonzero execution time, mirroring a real (slower) computation.
	}

	return map[string]interface{}{
		"sum":        total,
		"parameters": len(b.params),
	}, nil
}
