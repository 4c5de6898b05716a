package devices

import (
	"encoding/json"
	"fmt"
	"strings"

	_ "embed"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/superdarn/timingd/internal/card"
	"github.com/superdarn/timingd/internal/types"
)

//go:embed schema/card-profile-v1.json
var cardProfileSchemaJSON string

type Validator struct {
	schema *jsonschema.Schema
}

func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()

	if err := compiler.AddResource("card-profile-v1.json",
		strings.NewReader(cardProfileSchemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}

	schema, err := compiler.Compile("card-profile-v1.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile schema: %w", err)
	}

	return &Validator{schema: schema}, nil
}

func (v *Validator) ValidateProfile(data []byte) error {
	var profile interface{}
	if err := json.Unmarshal(data, &profile); err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", types.ErrInvalidArgument, err)
	}

	if err := v.schema.Validate(profile); err != nil {
		return fmt.Errorf("%w: schema validation failed: %v", types.ErrInvalidArgument, err)
	}

	return nil
}

// ValidateTopology checks what the schema cannot: the slot partition and
// that named slots exist and are unique.
func (v *Validator) ValidateTopology(profile *types.CardProfileDefinition) error {
	if err := TopologyOf(profile).Validate(); err != nil {
		return err
	}

	names := make(map[string]int)
	for _, s := range profile.Slots {
		if s.Index >= profile.Topology.Slots {
			return fmt.Errorf("%w: slot %q index %d beyond %d slots",
				types.ErrInvalidArgument, s.Name, s.Index, profile.Topology.Slots)
		}
		if prev, dup := names[s.Name]; dup {
			return fmt.Errorf("%w: slot name %q used by %d and %d",
				types.ErrInvalidArgument, s.Name, prev, s.Index)
		}
		names[s.Name] = s.Index
	}
	return nil
}

func (v *Validator) ValidateProfileDefinition(profile *types.CardProfileDefinition) error {
	data, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to marshal profile: %w", err)
	}

	if err := v.ValidateProfile(data); err != nil {
		return err
	}
	return v.ValidateTopology(profile)
}

// TopologyOf converts a profile's topology section.
func TopologyOf(profile *types.CardProfileDefinition) card.Topology {
	t := profile.Topology
	return card.Topology{
		Slots:    t.Slots,
		IOPorts:  t.IOPorts,
		Timers:   t.Timers,
		PortSize: t.PortSize,
		BulkSlot: t.BulkSlot,
	}
}
