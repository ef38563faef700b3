package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"regexp"
)

// OptionKind tags the variant option cases.
type OptionKind string

const (
	OptionKindWeight OptionKind = "weight"
	OptionKindSize   OptionKind = "size"
	OptionKindColor  OptionKind = "color"
)

// VariantOption is what distinguishes one variant of a product from another.
// The set of cases is closed: WeightOption, SizeOption and ColorOption.
type VariantOption interface {
	Kind() OptionKind
	Label() string
	validate() error
}

// WeightOption is a variant sold by weight.
type WeightOption struct {
	Grams int `json:"grams"`
}

// SizeOption is a variant sold by size label (S, M, 42, ...).
type SizeOption struct {
	Size string `json:"size"`
}

// ColorOption is a variant sold by colour.
type ColorOption struct {
	Name string `json:"name"`
	Hex  string `json:"hex"`
}

func (WeightOption) Kind() OptionKind { return OptionKindWeight }
func (SizeOption) Kind() OptionKind   { return OptionKindSize }
func (ColorOption) Kind() OptionKind  { return OptionKindColor }

func (o WeightOption) Label() string {
	if o.Grams >= 1000 && o.Grams%1000 == 0 {
		return fmt.Sprintf("%d kg", o.Grams/1000)
	}
	return fmt.Sprintf("%d g", o.Grams)
}

func (o SizeOption) Label() string  { return o.Size }
func (o ColorOption) Label() string { return o.Name }

func (o WeightOption) validate() error {
	if o.Grams <= 0 {
		return fmt.Errorf("weight option: grams must be positive, got %d", o.Grams)
	}
	return nil
}

func (o SizeOption) validate() error {
	if o.Size == "" {
		return fmt.Errorf("size option: size is required")
	}
	return nil
}

var hexColor = regexp.MustCompile(`^#[0-9a-fA-F]{6}$`)

func (o ColorOption) validate() error {
	if o.Name == "" {
		return fmt.Errorf("color option: name is required")
	}
	if !hexColor.MatchString(o.Hex) {
		return fmt.Errorf("color option: invalid hex %q", o.Hex)
	}
	return nil
}

// OptionColumn stores a VariantOption as a JSON document with a type field.
// A nil Option means the variant has no distinguishing option.
type OptionColumn struct {
	Option VariantOption
}

type optionEnvelope struct {
	Type OptionKind `json:"type"`
	WeightOption
	SizeOption
	ColorOption
}

// MarshalJSON implements json.Marshaler.
func (c OptionColumn) MarshalJSON() ([]byte, error) {
	if c.Option == nil {
		return []byte("null"), nil
	}
	switch o := c.Option.(type) {
	case WeightOption:
		return json.Marshal(struct {
			Type  OptionKind `json:"type"`
			Grams int        `json:"grams"`
		}{o.Kind(), o.Grams})
	case SizeOption:
		return json.Marshal(struct {
			Type OptionKind `json:"type"`
			Size string     `json:"size"`
		}{o.Kind(), o.Size})
	case ColorOption:
		return json.Marshal(struct {
			Type OptionKind `json:"type"`
			Name string     `json:"name"`
			Hex  string     `json:"hex"`
		}{o.Kind(), o.Name, o.Hex})
	default:
		return nil, fmt.Errorf("unsupported variant option %T", c.Option)
	}
}

// UnmarshalJSON implements json.Unmarshaler.
func (c *OptionColumn) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		c.Option = nil
		return nil
	}

	var env optionEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode variant option: %w", err)
	}

	var opt VariantOption
	switch env.Type {
	case OptionKindWeight:
		opt = env.WeightOption
	case OptionKindSize:
		opt = env.SizeOption
	case OptionKindColor:
		opt = env.ColorOption
	default:
		return fmt.Errorf("unknown variant option type %q", env.Type)
	}

	if err := opt.validate(); err != nil {
		return err
	}
	c.Option = opt
	return nil
}

// Value implements driver.Valuer.
func (c OptionColumn) Value() (driver.Value, error) {
	if c.Option == nil {
		return nil, nil
	}
	data, err := c.MarshalJSON()
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (c *OptionColumn) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		c.Option = nil
		return nil
	case []byte:
		return c.UnmarshalJSON(v)
	case string:
		return c.UnmarshalJSON([]byte(v))
	default:
		return fmt.Errorf("cannot scan %T into OptionColumn", src)
	}
}
