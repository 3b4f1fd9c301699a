// Package agent defines the contract every capability provider implements and
// the lifecycle bookkeeping shared by the built-in agents.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// Capability names understood by the built-in agents.
const (
	CapClassifyIngredients = "classify-ingredients"
	CapExtractIngredients  = "extract-ingredients"
	CapGetWorkflowConfig   = "get-workflow-config"
	CapAdvanceStage        = "advance-stage"
	CapGenerateCertificate = "generate-certificate"
	CapVerifyCertificate   = "verify-certificate"
	CapRevokeCertificate   = "revoke-certificate"
)

var (
	// ErrInvalidInput is returned when a request payload cannot be used.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedCapability is returned when an agent is asked for a
	// capability it did not declare.
	ErrUnsupportedCapability = errors.New("unsupported capability")
)

// Identity names an agent instance.
type Identity struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capability is a named unit of work an agent can perform.
type Capability struct {
	Name       string `json:"name"`
	InputType  string `json:"input_type"`
	OutputType string `json:"output_type"`
}

// Request is a single invocation routed to an agent.
type Request struct {
	Capability string
	Input      any
}

// Agent is a capability provider managed by the registry.
//
// Lifecycle: constructed -> initialized -> (processing)* -> shut down.
type Agent interface {
	Identity() Identity
	Capabilities() []Capability
	Initialize(ctx context.Context) error
	Process(ctx context.Context, req Request) (any, error)
	HealthCheck(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// Declares reports whether the agent lists the named capability.
func Declares(a interface{ Capabilities() []Capability }, capability string) bool {
	for _, c := range a.Capabilities() {
		if c.Name == capability {
			return true
		}
	}
	return false
}

// DecodeInput converts a request payload into T. Typed values pass through;
// generic values (maps decoded from JSON, raw JSON) are re-decoded.
func DecodeInput[T any](input any) (T, error) {
	var zero T
	switch v := input.(type) {
	case T:
		return v, nil
	case *T:
		if v == nil {
			return zero, fmt.Errorf("%w: nil %T", ErrInvalidInput, input)
		}
		return *v, nil
	case nil:
		return zero, fmt.Errorf("%w: missing payload", ErrInvalidInput)
	case json.RawMessage:
		return unmarshalInput[T](v)
	case []byte:
		return unmarshalInput[T](v)
	}

	data, err := json.Marshal(input)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return unmarshalInput[T](data)
}

func unmarshalInput[T any](data []byte) (T, error) {
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}
