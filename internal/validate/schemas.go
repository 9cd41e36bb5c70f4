package validate

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Built-in command vocabulary. Deployments extend it through RegisterSchema;
// a type without a schema is rejected as ERR_ACTION_INVALID.

type moveParams struct {
	Direction  string  `json:"direction" validate:"required,oneof=forward backward left right"`
	SpeedPct   float64 `json:"speed_pct" validate:"omitempty,gte=1,lte=100"`
	DurationMS int     `json:"duration_ms" validate:"omitempty,gte=1,lte=60000"`
}

type stopParams struct{}

type rotateParams struct {
	Degrees  float64 `json:"degrees" validate:"required,gte=-360,lte=360"`
	SpeedPct float64 `json:"speed_pct" validate:"omitempty,gte=1,lte=100"`
}

type ledParams struct {
	Color string `json:"color" validate:"required,oneof=red green blue yellow white off"`
	Blink bool   `json:"blink"`
}

type speakParams struct {
	Text      string `json:"text" validate:"required,max=500"`
	Language  string `json:"language" validate:"omitempty,bcp47_language_tag"`
	VolumePct int    `json:"volume_pct" validate:"omitempty,gte=0,lte=100"`
}

func (vd *Validator) registerBuiltins() {
	vd.RegisterSchema("robot.move", vd.structSchema(func() any { return &moveParams{} }))
	vd.RegisterSchema("robot.stop", vd.structSchema(func() any { return &stopParams{} }))
	vd.RegisterSchema("robot.rotate", vd.structSchema(func() any { return &rotateParams{} }))
	vd.RegisterSchema("robot.led", vd.structSchema(func() any { return &ledParams{} }))
	vd.RegisterSchema("robot.speak", vd.structSchema(func() any { return &speakParams{} }))
}

// structSchema builds a Schema that decodes params into a tagged struct,
// rejecting unknown fields, then runs the field rules.
func (vd *Validator) structSchema(factory func() any) Schema {
	return func(params []byte) error {
		dst := factory()
		if err := decodeStrict(params, dst); err != nil {
			return err
		}
		return vd.v.Struct(dst)
	}
}

// decodeStrict treats absent params as an empty object so schemas with only
// optional fields accept a bare command.
func decodeStrict(raw []byte, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("params: %w", err)
	}
	if dec.More() {
		return fmt.Errorf("params: trailing data after object")
	}
	return nil
}
