// Package pipeperf provides the data model of an offline performance estimator
// for multi-stage inference pipelines.
package pipeperf

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownCloud is returned when a cloud provider name is not recognized.
var ErrUnknownCloud = errors.New("unknown cloud provider")

// ErrUnknownAccelerator is returned when an accelerator name is not
// recognized.
var ErrUnknownAccelerator = errors.New("unknown accelerator type")

// A Cloud identifies the cloud provider a stage is deployed on.
type Cloud int

// Cloud constants. CloudUnknown is the zero value and is never accepted by
// the parsers.
const (
	CloudUnknown Cloud = iota
	CloudAWS
	CloudGCP
)

var cloudNames = map[Cloud]string{
	CloudAWS: "aws",
	CloudGCP: "gcp",
}

// ParseCloud converts a provider name into a Cloud.
func ParseCloud(s string) (Cloud, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for c, n := range cloudNames {
		if n == name {
			return c, nil
		}
	}

	return CloudUnknown, fmt.Errorf("%w: %q", ErrUnknownCloud, s)
}

// String returns the provider name.
func (c Cloud) String() string {
	if n, ok := cloudNames[c]; ok {
		return n
	}

	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (c Cloud) MarshalText() ([]byte, error) {
	if c == CloudUnknown {
		return nil, ErrUnknownCloud
	}

	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Cloud) UnmarshalText(text []byte) error {
	parsed, err := ParseCloud(string(text))
	if err != nil {
		return err
	}

	*c = parsed

	return nil
}

// An Accelerator identifies the accelerator attached to each replica of a
// stage.
type Accelerator int

// Accelerator constants. AcceleratorNone means CPU only.
const (
	AcceleratorUnknown Accelerator = iota
	AcceleratorNone
	AcceleratorK80
	AcceleratorP100
	AcceleratorV100
)

var acceleratorNames = map[Accelerator]string{
	AcceleratorNone: "none",
	AcceleratorK80:  "k80",
	AcceleratorP100: "p100",
	AcceleratorV100: "v100",
}

// ParseAccelerator converts an accelerator name into an Accelerator.
func ParseAccelerator(s string) (Accelerator, error) {
	name := strings.ToLower(strings.TrimSpace(s))
	for a, n := range acceleratorNames {
		if n == name {
			return a, nil
		}
	}

	return AcceleratorUnknown, fmt.Errorf("%w: %q", ErrUnknownAccelerator, s)
}

// String returns the accelerator name.
func (a Accelerator) String() string {
	if n, ok := acceleratorNames[a]; ok {
		return n
	}

	return "unknown"
}

// MarshalText implements encoding.TextMarshaler.
func (a Accelerator) MarshalText() ([]byte, error) {
	if a == AcceleratorUnknown {
		return nil, ErrUnknownAccelerator
	}

	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Accelerator) UnmarshalText(text []byte) error {
	parsed, err := ParseAccelerator(string(text))
	if err != nil {
		return err
	}

	*a = parsed

	return nil
}

// A ResourceBundle is the class of hardware a stage runs on. Two
// configurations with the same bundle share one profile table regardless of
// batch size and replica count.
type ResourceBundle struct {
	Accelerator Accelerator
	CPUs        float64
	Cloud       Cloud
}

// String returns a compact, human-readable form of the bundle.
func (b ResourceBundle) String() string {
	return fmt.Sprintf("%s_%s_%g", b.Cloud, b.Accelerator, b.CPUs)
}
