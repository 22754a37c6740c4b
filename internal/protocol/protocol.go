package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/rickchristie/govner/crunchwatch/internal/model"
)

// Action names an outbound command
type Action string

const (
	ActionDiscovery     Action = "discovery"
	ActionRunTests      Action = "run-tests"
	ActionHalt          Action = "halt"
	ActionPluginVersion Action = "plugin_version"
)

// TestRef selects one test in a run-tests command
type TestRef struct {
	Fqn string `json:"fqn"`
}

// RunTestsPayload is the payload of a run-tests command
type RunTestsPayload struct {
	Tests []TestRef `json:"tests"`
}

// PluginVersionPayload is the payload of a plugin_version command
type PluginVersionPayload struct {
	PluginVersion string `json:"plugin_version"`
}

// Command is an outbound message. Payload fields are written next to
// "action" at the top level of the envelope, which is where the engine
// reads them.
type Command struct {
	Action  Action
	Payload any
}

// MarshalJSON implements json.Marshaler
func (c Command) MarshalJSON() ([]byte, error) {
	envelope := map[string]json.RawMessage{}
	if c.Payload != nil {
		data, err := json.Marshal(c.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal %s payload: %w", c.Action, err)
		}
		if err := json.Unmarshal(data, &envelope); err != nil {
			return nil, fmt.Errorf("%s payload must be an object: %w", c.Action, err)
		}
	}
	action, _ := json.Marshal(c.Action)
	envelope["action"] = action
	return json.Marshal(envelope)
}

// Discovery asks the engine to discover tests
func Discovery() Command { return Command{Action: ActionDiscovery} }

// Halt asks the engine to shut down
func Halt() Command { return Command{Action: ActionHalt} }

// RunTests asks the engine to run exactly the given tests
func RunTests(fqns []string) Command {
	refs := make([]TestRef, 0, len(fqns))
	for _, fqn := range fqns {
		refs = append(refs, TestRef{Fqn: fqn})
	}
	return Command{Action: ActionRunTests, Payload: RunTestsPayload{Tests: refs}}
}

// PluginVersion announces the host version to the engine
func PluginVersion(version string) Command {
	return Command{Action: ActionPluginVersion, Payload: PluginVersionPayload{PluginVersion: version}}
}

// EventType is the discriminator of an inbound message
type EventType string

const (
	EventConnected               EventType = "connected"
	EventDiscoveryAvailable      EventType = "discovery_did_become_available"
	EventCombinedCoverageUpdated EventType = "combined_coverage_updated"
	EventTestRunCompleted        EventType = "test_run_completed"
	EventWatchdogBegin           EventType = "watchdog_begin"
	EventWatchdogEnd             EventType = "watchdog_end"
)

// Event is one of Connected, TestsDiscovered, CombinedCoverageUpdated or
// TestRunCompleted.
type Event interface {
	Type() EventType
}

// Connected is sent by the engine once the event channel is established
type Connected struct {
	Version string
}

// TestsDiscovered carries a discovery result
type TestsDiscovered struct {
	Tests []model.DiscoveredTest
}

// CombinedCoverageUpdated carries a full combined coverage snapshot
type CombinedCoverageUpdated struct {
	Files model.CombinedCoverage
}

// TestRunCompleted carries the results of a run, keyed by fqn
type TestRunCompleted struct {
	Results model.TestResults
}

func (Connected) Type() EventType               { return EventConnected }
func (TestsDiscovered) Type() EventType         { return EventDiscoveryAvailable }
func (CombinedCoverageUpdated) Type() EventType { return EventCombinedCoverageUpdated }
func (TestRunCompleted) Type() EventType        { return EventTestRunCompleted }

// ProtocolError reports an inbound message that was malformed, failed
// validation or carried an unknown event_type. It is logged, never fatal.
type ProtocolError struct {
	EventType string
	Reason    string
	Err       error
}

func (e *ProtocolError) Error() string {
	msg := "invalid engine message"
	if e.EventType != "" {
		msg += fmt.Sprintf(" %q", e.EventType)
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return e.Err }

type envelope struct {
	EventType *string `json:"event_type"`
}

type connectedWire struct {
	Version string `json:"version"`
}

type discoveryWire struct {
	Tests *[]model.DiscoveredTest `json:"tests"`
}

type combinedWire struct {
	CombinedCoverage *model.CombinedCoverage `json:"combined_coverage"`
}

type testRunWire struct {
	Coverage *struct {
		AllRuns *model.TestResults `json:"all_runs"`
	} `json:"coverage"`
}

// Decode validates an inbound message and maps it to its event. Watchdog
// messages decode to a nil Event and nil error.
func Decode(data []byte) (Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "not a JSON object", Err: err}
	}
	if env.EventType == nil {
		return nil, &ProtocolError{Reason: "missing event_type"}
	}

	typ := EventType(*env.EventType)
	invalid := func(reason string, err error) (Event, error) {
		return nil, &ProtocolError{EventType: string(typ), Reason: reason, Err: err}
	}

	switch typ {
	case EventConnected:
		var w connectedWire
		if err := json.Unmarshal(data, &w); err != nil {
			return invalid("bad payload", err)
		}
		return Connected{Version: w.Version}, nil

	case EventDiscoveryAvailable:
		var w discoveryWire
		if err := json.Unmarshal(data, &w); err != nil {
			return invalid("bad payload", err)
		}
		if w.Tests == nil {
			return invalid("missing tests", nil)
		}
		for i, t := range *w.Tests {
			if t.Fqn == "" {
				return invalid(fmt.Sprintf("test %d has no fqn", i), nil)
			}
		}
		return TestsDiscovered{Tests: *w.Tests}, nil

	case EventCombinedCoverageUpdated:
		var w combinedWire
		if err := json.Unmarshal(data, &w); err != nil {
			return invalid("bad payload", err)
		}
		if w.CombinedCoverage == nil {
			return invalid("missing combined_coverage", nil)
		}
		for i, f := range *w.CombinedCoverage {
			if f.Filename == "" {
				return invalid(fmt.Sprintf("file entry %d has no filename", i), nil)
			}
		}
		return CombinedCoverageUpdated{Files: *w.CombinedCoverage}, nil

	case EventTestRunCompleted:
		var w testRunWire
		if err := json.Unmarshal(data, &w); err != nil {
			return invalid("bad payload", err)
		}
		if w.Coverage == nil || w.Coverage.AllRuns == nil {
			return invalid("missing coverage.all_runs", nil)
		}
		for fqn, r := range *w.Coverage.AllRuns {
			if fqn == "" {
				return invalid("result with empty fqn", nil)
			}
			if r == nil {
				return invalid(fmt.Sprintf("result %q is null", fqn), nil)
			}
		}
		return TestRunCompleted{Results: *w.Coverage.AllRuns}, nil

	case EventWatchdogBegin, EventWatchdogEnd:
		return nil, nil
	}

	return invalid("unknown event type", nil)
}
