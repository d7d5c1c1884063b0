package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/roach88/steptrace/internal/trace"
	"github.com/roach88/steptrace/internal/validate"
)

// readPayload reads a file, or stdin when path is "-".
func readPayload(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to read stdin", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to read file", err)
	}
	return data, nil
}

// payloadKind reports whether raw holds a batch, a run or a step, judged
// by its top-level keys: "events" for a batch, "step_id" for a step,
// "run_id" for a run.
func payloadKind(raw []byte) (string, error) {
	var top map[string]json.RawMessage
	if err := json.Unmarshal(raw, &top); err != nil {
		return "", trace.NewValidationError("payload is not a JSON object: " + err.Error())
	}
	switch {
	case top["events"] != nil:
		return "batch", nil
	case top["step_id"] != nil:
		return string(trace.EventStep), nil
	case top["run_id"] != nil:
		return string(trace.EventRun), nil
	}
	return "", trace.NewValidationError("payload is neither a batch, a run nor a step")
}

// decodePayload validates raw and returns its events in order.
func decodePayload(gw *validate.Gateway, raw []byte) ([]trace.Event, error) {
	kind, err := payloadKind(raw)
	if err != nil {
		return nil, err
	}
	switch kind {
	case "batch":
		return gw.ValidateBatch(raw)
	case string(trace.EventStep):
		s, err := gw.ValidateStep(raw)
		if err != nil {
			return nil, err
		}
		return []trace.Event{trace.NewStepEvent(s)}, nil
	case string(trace.EventRun):
		r, err := gw.ValidateRun(raw)
		if err != nil {
			return nil, err
		}
		return []trace.Event{trace.NewRunEvent(r)}, nil
	}
	return nil, fmt.Errorf("unhandled payload kind %q", kind)
}
