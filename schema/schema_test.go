package schema

import "testing"

func intPtr(i int) *int          { return &i }
func floatPtr(f float64) *float64 { return &f }
func boolPtr(b bool) *bool       { return &b }

func TestValidateObjectRequired(t *testing.T) {
	s := &Schema{
		Type:     TypeObject,
		Required: []string{"name"},
		Properties: map[string]*Schema{
			"name": {Type: TypeString, MinLength: intPtr(1)},
			"age":  {Type: TypeInteger, Minimum: floatPtr(0)},
		},
	}

	if err := Validate(s, map[string]any{"name": "bulb-12"}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}

	err := Validate(s, map[string]any{"age": float64(3)})
	if err == nil {
		t.Fatal("expected missing required property error")
	}
}

func TestValidateRequiredPropertyExplicitNullIsMissing(t *testing.T) {
	s := &Schema{
		Type:     TypeObject,
		Required: []string{"name"},
		Properties: map[string]*Schema{
			"name": {Type: TypeString},
		},
	}
	if err := Validate(s, map[string]any{"name": nil}); err == nil {
		t.Fatal("expected explicit null on a required property to be reported missing")
	}
}

func TestValidateOptionalPropertyExplicitNullIsIgnored(t *testing.T) {
	s := &Schema{
		Type: TypeObject,
		Properties: map[string]*Schema{
			"nickname": {Type: TypeString},
		},
	}
	if err := Validate(s, map[string]any{"nickname": nil}); err != nil {
		t.Fatalf("expected null on a non-required property to validate, got %v", err)
	}
}

func TestValidateAdditionalPropertiesDenied(t *testing.T) {
	s := &Schema{
		Type:                 TypeObject,
		Properties:           map[string]*Schema{"id": {Type: TypeString}},
		AdditionalProperties: boolPtr(false),
	}
	err := Validate(s, map[string]any{"id": "a", "extra": "b"})
	if err == nil {
		t.Fatal("expected additional property rejection")
	}
}

func TestValidateEnum(t *testing.T) {
	s := &Schema{Type: TypeString, Enum: []any{"on", "off"}}
	if err := Validate(s, "on"); err != nil {
		t.Fatalf("expected valid enum value, got %v", err)
	}
	if err := Validate(s, "partial"); err == nil {
		t.Fatal("expected enum violation")
	}
}

func TestValidateArrayBounds(t *testing.T) {
	s := &Schema{
		Type:     TypeArray,
		Items:    &Schema{Type: TypeNumber},
		MinItems: intPtr(1),
		MaxItems: intPtr(2),
	}
	if err := Validate(s, []any{float64(1)}); err != nil {
		t.Fatalf("expected valid, got %v", err)
	}
	if err := Validate(s, []any{}); err == nil {
		t.Fatal("expected minItems violation")
	}
	if err := Validate(s, []any{float64(1), float64(2), float64(3)}); err == nil {
		t.Fatal("expected maxItems violation")
	}
}

func TestValidateNestedObject(t *testing.T) {
	s := &Schema{
		Type:     TypeObject,
		Required: []string{"target"},
		Properties: map[string]*Schema{
			"target": {
				Type:     TypeObject,
				Required: []string{"deviceId"},
				Properties: map[string]*Schema{
					"deviceId": {Type: TypeString},
				},
			},
		},
	}
	err := Validate(s, map[string]any{"target": map[string]any{}})
	if err == nil {
		t.Fatal("expected nested required violation")
	}
	verr, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if verr.Violations[0].Path != "$.target" {
		t.Fatalf("expected path $.target, got %s", verr.Violations[0].Path)
	}
}

func TestValidateIntegerRejectsFraction(t *testing.T) {
	s := &Schema{Type: TypeInteger}
	if err := Validate(s, float64(3)); err != nil {
		t.Fatalf("expected integer 3 to validate, got %v", err)
	}
	if err := Validate(s, float64(3.5)); err == nil {
		t.Fatal("expected fractional value to fail integer validation")
	}
}
