// Package app defines the Manifest and Profile documents described in
// spec.md §3 and §6: an app's immutable identity and its mutable runtime
// profile, both subject to Configuration-kind validation before an app
// is started.
package app

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Seconds is a time.Duration that unmarshals from a plain YAML number of
// seconds, matching the "(seconds)" units spec.md §6 specifies for its
// config keys -- gopkg.in/yaml.v3 has no built-in support for parsing
// Go duration strings into time.Duration, so this carries the conversion.
type Seconds time.Duration

// UnmarshalYAML accepts a bare integer or float YAML scalar as a count
// of seconds.
func (s *Seconds) UnmarshalYAML(value *yaml.Node) error {
	var secs float64
	if err := value.Decode(&secs); err != nil {
		return err
	}
	*s = Seconds(secs * float64(time.Second))
	return nil
}

// Duration returns the value as a time.Duration.
func (s Seconds) Duration() time.Duration { return time.Duration(s) }

// Manifest is immutable for the app's lifetime: the worker executable
// and its fixed arguments/environment (spec.md §3's App.manifest).
type Manifest struct {
	Name string            `yaml:"name" validate:"required"`
	Path string            `yaml:"path" validate:"required"`
	Args []string          `yaml:"args"`
	Env  map[string]string `yaml:"env"`
}

// Profile is the mutable per-app tuning surface named in spec.md §6;
// reads of a running Engine's profile take a snapshot. Units follow the
// config keys named in §6 (durations in seconds on the wire, parsed into
// time.Duration here).
type Profile struct {
	Concurrency        uint    `yaml:"concurrency" validate:"required,min=1"`
	QueueLimit         uint    `yaml:"queue_limit" validate:"required,min=1"`
	Pool               uint    `yaml:"pool"`
	SpawnTimeout       Seconds `yaml:"spawn_timeout" validate:"required,gt=0"`
	HeartbeatInterval  Seconds `yaml:"heartbeat_interval" validate:"required,gt=0"`
	HeartbeatGrace     Seconds `yaml:"heartbeat_grace" validate:"required,gt=0"`
	SealTimeout        Seconds `yaml:"seal_timeout" validate:"required,gt=0"`
	TerminateGrace     Seconds `yaml:"terminate_grace" validate:"required,gt=0"`
	OutputRingCapacity uint    `yaml:"output_ring_capacity" validate:"required,min=1"`
	MaxLineLength      uint    `yaml:"max_line_length"`
}

// VicodynProfile is the Vicodyn-specific slice of the config object
// named in spec.md §6: retry_limit and balancer.
type VicodynProfile struct {
	RetryLimit uint   `yaml:"retry_limit" validate:"min=0"`
	Balancer   string `yaml:"balancer" validate:"omitempty,oneof=round_robin"`
}

// DefaultVicodynProfile matches spec.md §6's stated default (retry_limit 4).
func DefaultVicodynProfile() VicodynProfile {
	return VicodynProfile{RetryLimit: 4, Balancer: "round_robin"}
}

// Validate runs the Configuration-kind checks of spec.md §7 against m.
// A validation failure is fatal on app start and must be surfaced to the
// operator, never silently defaulted.
func (m Manifest) Validate() error {
	return validate.Struct(m)
}

// Validate runs the Configuration-kind checks of spec.md §7 against p.
func (p Profile) Validate() error {
	return validate.Struct(p)
}

// Validate runs the Configuration-kind checks against v.
func (v VicodynProfile) Validate() error {
	return validate.Struct(v)
}
