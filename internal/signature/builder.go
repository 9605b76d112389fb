package signature

import (
	"regexp"
	"strings"
)

// MaxSymptoms caps how many symptom keywords a signature carries.
const MaxSymptoms = 10

// Report is the raw input to the builder: free text plus whatever
// structured fields the caller already knows.
type Report struct {
	Text            string
	ErrorCodes      []string
	Subsystem       Subsystem
	FailureMode     FailureMode
	VehicleCategory string
}

// stopwords are tokens that never carry diagnostic signal.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "from": {}, "that": {},
	"this": {}, "when": {}, "after": {}, "before": {}, "while": {},
	"was": {}, "were": {}, "has": {}, "have": {}, "had": {}, "not": {},
	"but": {}, "are": {}, "its": {}, "then": {}, "than": {}, "very": {},
	"customer": {}, "reported": {}, "reports": {}, "vehicle": {}, "issue": {},
}

// indicators are substrings that mark a token as a failure symptom.
// A token survives extraction only if it contains one of these.
var indicators = []string{
	"fail", "leak", "nois", "vibrat", "overheat", "drain", "crack",
	"wear", "worn", "stall", "smoke", "spark", "corros", "rust",
	"loose", "break", "broke", "burn", "cut", "dead", "drop", "err",
	"fault", "flicker", "grind", "jam", "melt", "misfire", "rattle",
	"shake", "short", "slip", "squeal", "stuck", "swell", "weak",
	"batter", "brake", "motor", "charg", "throttle", "fuse", "wire",
	"cable", "bearing", "chain", "belt", "tire", "sensor", "relay",
	"cell", "bms", "control",
}

var tokenPattern = regexp.MustCompile(`[a-z0-9]+`)

// Builder turns raw reports into canonical signatures.
//
// Extraction is deliberately lexical: stopword stripping plus an
// indicator-substring filter. The heavier similarity machinery lives
// behind the matching pipeline's Scorer seam, not here.
type Builder struct{}

// NewBuilder returns a signature builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Build normalizes a report into a Signature.
//
// Symptom keywords are extracted from the text (at most MaxSymptoms,
// deduplicated, order-insensitive). A missing subsystem is inferred
// from the text where possible; missing failure mode defaults to
// unknown.
func (b *Builder) Build(r Report) Signature {
	subsystem := r.Subsystem
	if subsystem == "" || subsystem == SubsystemUnknown {
		subsystem = InferSubsystem(r.Text)
	}

	mode := r.FailureMode
	if mode == "" {
		mode = FailureModeUnknown
	}

	codes := make([]string, 0, len(r.ErrorCodes))
	seen := map[string]struct{}{}
	for _, c := range r.ErrorCodes {
		c = strings.ToUpper(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		codes = append(codes, c)
	}

	return Signature{
		Symptoms:        ExtractSymptoms(r.Text),
		ErrorCodes:      codes,
		Subsystem:       subsystem,
		FailureMode:     mode,
		VehicleCategory: strings.ToLower(strings.TrimSpace(r.VehicleCategory)),
	}
}

// ExtractSymptoms pulls up to MaxSymptoms deduplicated symptom
// keywords out of free text.
func ExtractSymptoms(text string) []string {
	tokens := tokenPattern.FindAllString(strings.ToLower(text), -1)

	symptoms := make([]string, 0, MaxSymptoms)
	seen := map[string]struct{}{}
	for _, tok := range tokens {
		if len(tok) < 3 {
			continue
		}
		if _, stop := stopwords[tok]; stop {
			continue
		}
		if !hasIndicator(tok) {
			continue
		}
		if _, dup := seen[tok]; dup {
			continue
		}
		seen[tok] = struct{}{}
		symptoms = append(symptoms, tok)
		if len(symptoms) == MaxSymptoms {
			break
		}
	}
	return symptoms
}

func hasIndicator(token string) bool {
	for _, ind := range indicators {
		if strings.Contains(token, ind) {
			return true
		}
	}
	return false
}

// subsystemHints maps text fragments to the subsystem they imply.
// Checked in order; first hit wins.
var subsystemHints = []struct {
	fragment  string
	subsystem Subsystem
}{
	{"battery", SubsystemBattery},
	{"bms", SubsystemBattery},
	{"cell", SubsystemBattery},
	{"charg", SubsystemCharging},
	{"motor", SubsystemMotor},
	{"brake", SubsystemBrakes},
	{"controller", SubsystemController},
	{"throttle", SubsystemController},
	{"transmission", SubsystemTransmission},
	{"chain", SubsystemTransmission},
	{"belt", SubsystemTransmission},
	{"suspension", SubsystemSuspension},
	{"fork", SubsystemSuspension},
	{"cool", SubsystemCooling},
	{"fan", SubsystemCooling},
	{"wire", SubsystemElectrical},
	{"wiring", SubsystemElectrical},
	{"fuse", SubsystemElectrical},
	{"relay", SubsystemElectrical},
}

// InferSubsystem guesses the subsystem from report text.
func InferSubsystem(text string) Subsystem {
	lower := strings.ToLower(text)
	for _, h := range subsystemHints {
		if strings.Contains(lower, h.fragment) {
			return h.subsystem
		}
	}
	return SubsystemUnknown
}
