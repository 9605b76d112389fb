package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Subsystem identifies the vehicle subsystem a failure belongs to.
type Subsystem string

const (
	SubsystemBattery      Subsystem = "battery"
	SubsystemMotor        Subsystem = "motor"
	SubsystemBrakes       Subsystem = "brakes"
	SubsystemTransmission Subsystem = "transmission"
	SubsystemElectrical   Subsystem = "electrical"
	SubsystemSuspension   Subsystem = "suspension"
	SubsystemCooling      Subsystem = "cooling"
	SubsystemController   Subsystem = "controller"
	SubsystemCharging     Subsystem = "charging"
	SubsystemUnknown      Subsystem = "unknown"
)

// FailureMode classifies how the failure manifests.
type FailureMode string

const (
	FailureModeElectrical FailureMode = "electrical"
	FailureModeMechanical FailureMode = "mechanical"
	FailureModeSoftware   FailureMode = "software"
	FailureModeWear       FailureMode = "wear"
	FailureModeUnknown    FailureMode = "unknown"
)

// Signature is an immutable, canonical snapshot of a failure report.
//
// The field values are normalized (lower-cased, deduplicated) at build
// time; Hash is stable across any ordering or casing of the inputs.
type Signature struct {
	// Symptoms are the extracted symptom keywords, at most MaxSymptoms.
	Symptoms []string `json:"symptoms"`

	// ErrorCodes are the structured diagnostic codes from the report.
	ErrorCodes []string `json:"error_codes"`

	// Subsystem is the affected vehicle subsystem.
	Subsystem Subsystem `json:"subsystem"`

	// FailureMode is the failure manifestation class.
	FailureMode FailureMode `json:"failure_mode"`

	// VehicleCategory is the vehicle class (e.g. "scooter", "e-bike").
	// It scopes retrieval but does not participate in the hash.
	VehicleCategory string `json:"vehicle_category,omitempty"`
}

// Hash returns the 16-hex-character signature hash.
//
// The digest input is the sorted, lower-cased symptoms, the sorted
// upper-cased error codes, the subsystem, and the failure mode,
// joined with "|". Identical multisets hash identically regardless of
// input order or case. Collisions are acceptable: the hash is a
// retrieval key, not an integrity check.
func (s Signature) Hash() string {
	symptoms := make([]string, 0, len(s.Symptoms))
	for _, sym := range s.Symptoms {
		symptoms = append(symptoms, strings.ToLower(strings.TrimSpace(sym)))
	}
	sort.Strings(symptoms)

	codes := make([]string, 0, len(s.ErrorCodes))
	for _, c := range s.ErrorCodes {
		codes = append(codes, strings.ToUpper(strings.TrimSpace(c)))
	}
	sort.Strings(codes)

	parts := make([]string, 0, len(symptoms)+len(codes)+2)
	parts = append(parts, symptoms...)
	parts = append(parts, codes...)
	parts = append(parts, string(s.Subsystem), string(s.FailureMode))

	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])[:16]
}

// ParseSubsystem maps a free-form label to a known Subsystem.
// Unrecognized labels map to SubsystemUnknown.
func ParseSubsystem(label string) Subsystem {
	switch Subsystem(strings.ToLower(strings.TrimSpace(label))) {
	case SubsystemBattery, SubsystemMotor, SubsystemBrakes, SubsystemTransmission,
		SubsystemElectrical, SubsystemSuspension, SubsystemCooling,
		SubsystemController, SubsystemCharging:
		return Subsystem(strings.ToLower(strings.TrimSpace(label)))
	}
	return SubsystemUnknown
}

// ParseFailureMode maps a free-form label to a known FailureMode.
func ParseFailureMode(label string) FailureMode {
	switch FailureMode(strings.ToLower(strings.TrimSpace(label))) {
	case FailureModeElectrical, FailureModeMechanical, FailureModeSoftware, FailureModeWear:
		return FailureMode(strings.ToLower(strings.TrimSpace(label)))
	}
	return FailureModeUnknown
}
