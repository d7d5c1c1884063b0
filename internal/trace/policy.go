package trace

// CaptureMode selects how a step's candidate population is reduced before
// it is persisted.
type CaptureMode string

const (
	// CaptureFull keeps every candidate.
	CaptureFull CaptureMode = "FULL"
	// CaptureTopK keeps the k best-ranked candidates.
	CaptureTopK CaptureMode = "TOP_K"
	// CaptureSample keeps a uniform random sample.
	CaptureSample CaptureMode = "SAMPLE"
	// CaptureSummaryOnly keeps no candidates, only metrics.
	CaptureSummaryOnly CaptureMode = "SUMMARY_ONLY"
	// CaptureThreshold behaves as FULL up to Threshold candidates, TOP_K above.
	CaptureThreshold CaptureMode = "THRESHOLD"
)

// Policy defaults used when a field is absent.
const (
	DefaultTopK      = 50
	DefaultSampleN   = 50
	DefaultThreshold = 200
	DefaultMode      = CaptureThreshold
)

// Valid reports whether m is a known mode.
func (m CaptureMode) Valid() bool {
	switch m {
	case CaptureFull, CaptureTopK, CaptureSample, CaptureSummaryOnly, CaptureThreshold:
		return true
	}
	return false
}

// CapturePolicy controls how many candidates and outcomes are persisted.
//
// Optional fields are pointers so that "absent" (use the default) and an
// explicit zero (clamped to 1 by the capture engine) stay distinguishable.
type CapturePolicy struct {
	Mode            CaptureMode `json:"mode" yaml:"mode"`
	TopK            *int        `json:"top_k,omitempty" yaml:"top_k,omitempty"`
	SampleN         *int        `json:"sample_n,omitempty" yaml:"sample_n,omitempty"`
	Threshold       *int        `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	IncludeOutcomes *bool       `json:"include_outcomes,omitempty" yaml:"include_outcomes,omitempty"`
	IncludeRejected *bool       `json:"include_rejected,omitempty" yaml:"include_rejected,omitempty"`
}

// Normalized returns a copy with every absent field set to its default.
// Unknown or empty modes fall back to DefaultMode.
func (p CapturePolicy) Normalized() CapturePolicy {
	out := CapturePolicy{
		Mode:            p.Mode,
		TopK:            Int(p.EffectiveTopK()),
		SampleN:         Int(p.EffectiveSampleN()),
		Threshold:       Int(p.EffectiveThreshold()),
		IncludeOutcomes: BoolPtr(p.EffectiveIncludeOutcomes()),
		IncludeRejected: BoolPtr(p.EffectiveIncludeRejected()),
	}
	if !out.Mode.Valid() {
		out.Mode = DefaultMode
	}
	return out
}

// EffectiveMode returns the configured mode or DefaultMode.
func (p CapturePolicy) EffectiveMode() CaptureMode {
	if p.Mode.Valid() {
		return p.Mode
	}
	return DefaultMode
}

// EffectiveTopK returns top_k or its default. The value is not clamped.
func (p CapturePolicy) EffectiveTopK() int {
	if p.TopK == nil {
		return DefaultTopK
	}
	return *p.TopK
}

// EffectiveSampleN returns sample_n or its default. The value is not clamped.
func (p CapturePolicy) EffectiveSampleN() int {
	if p.SampleN == nil {
		return DefaultSampleN
	}
	return *p.SampleN
}

// EffectiveThreshold returns threshold or its default.
func (p CapturePolicy) EffectiveThreshold() int {
	if p.Threshold == nil {
		return DefaultThreshold
	}
	return *p.Threshold
}

// EffectiveIncludeOutcomes returns include_outcomes, defaulting to true.
func (p CapturePolicy) EffectiveIncludeOutcomes() bool {
	return p.IncludeOutcomes == nil || *p.IncludeOutcomes
}

// EffectiveIncludeRejected returns include_rejected, defaulting to true.
func (p CapturePolicy) EffectiveIncludeRejected() bool {
	return p.IncludeRejected == nil || *p.IncludeRejected
}
