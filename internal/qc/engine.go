// Package qc runs the deterministic quality-control battery against a
// discharge plan's section contents. It is a pure function of its inputs:
// no persistence, no clock, no randomness. The lifecycle engine persists
// whatever flags come out.
package qc

import (
	"fmt"
	"sort"
	"strings"

	"github.com/dpa/dpa/internal/sectioncfg"
)

// Category identifies the rule that raised a flag.
type Category string

const (
	CategoryMissingSection          Category = "missing-section"
	CategoryReadabilityViolation    Category = "readability-violation"
	CategoryMissingEmergencyContact Category = "missing-emergency-contact"
	CategoryMissingMedicationDetail Category = "missing-medication-detail"
	CategoryLanguageMismatch        Category = "language-mismatch"
	CategoryCaregiverSectionMissing Category = "caregiver-section-missing"
	CategoryCustom                  Category = "custom"
)

// Severity distinguishes findings that block finalization from advisories.
type Severity string

const (
	SeverityBlocking Severity = "blocking"
	SeverityAdvisory Severity = "advisory"
)

// Flag is one QC finding. SectionKey is empty for plan-level findings.
type Flag struct {
	Category     Category
	Severity     Severity
	SectionKey   string
	Description  string
	SuggestedFix string
}

// Input is everything a QC run may look at.
type Input struct {
	Language         string
	ReadingLevel     string // "standard" or "simplified"
	IncludeCaregiver bool
	Medications      []string
	Sections         map[string]string
}

// Grade targets by reading level. The readability rule fires when the
// estimated grade exceeds the target by more than gradeTolerance.
const (
	standardTargetGrade   = 10.0
	simplifiedTargetGrade = 6.0
	gradeTolerance        = 1.0
)

// TargetGrade returns the reading grade ceiling for a reading level.
func TargetGrade(readingLevel string) float64 {
	if readingLevel == "standard" {
		return standardTargetGrade
	}
	return simplifiedTargetGrade
}

// Run evaluates the full rule battery in fixed order and returns zero or
// more flags. Identical input yields an identical flag sequence. Missing or
// empty sections are flaggable content, never an error.
func Run(cfg sectioncfg.Config, in Input) []Flag {
	var flags []Flag

	flags = append(flags, requiredSectionFlags(cfg, in)...)
	if f := readabilityFlag(in); f != nil {
		flags = append(flags, *f)
	}
	if f := emergencyContactFlag(cfg, in); f != nil {
		flags = append(flags, *f)
	}
	flags = append(flags, medicationDetailFlags(cfg, in)...)
	if f := caregiverSectionFlag(cfg, in); f != nil {
		flags = append(flags, *f)
	}
	if f := languageMismatchFlag(in); f != nil {
		flags = append(flags, *f)
	}

	return flags
}

func sectionBody(in Input, key string) string {
	return strings.TrimSpace(in.Sections[key])
}

// requiredSectionFlags checks every key the plan's configuration mandates,
// in configuration order. The caregiver section is handled by its own rule
// so the two findings stay distinguishable.
func requiredSectionFlags(cfg sectioncfg.Config, in Input) []Flag {
	caregiverKeys := make(map[string]bool)
	for _, k := range cfg.CaregiverKeys() {
		caregiverKeys[k] = true
	}

	var flags []Flag
	for _, key := range cfg.RequiredKeys(in.IncludeCaregiver) {
		if caregiverKeys[key] {
			continue
		}
		if sectionBody(in, key) == "" {
			flags = append(flags, Flag{
				Category:     CategoryMissingSection,
				Severity:     SeverityBlocking,
				SectionKey:   key,
				Description:  fmt.Sprintf("required section %q is missing or empty", key),
				SuggestedFix: fmt.Sprintf("write the %s section before review", cfg.Title(key, "en")),
			})
		}
	}
	return flags
}

func readabilityFlag(in Input) *Flag {
	// The syllable heuristic is tuned for Latin-script text.
	if in.Language == "zh" {
		return nil
	}

	var parts []string
	for _, key := range sortedKeys(in.Sections) {
		if body := strings.TrimSpace(in.Sections[key]); body != "" {
			parts = append(parts, body)
		}
	}
	text := strings.Join(parts, " ")
	if text == "" {
		return nil
	}

	grade := ReadingGrade(text)
	target := TargetGrade(in.ReadingLevel)
	if grade <= target+gradeTolerance {
		return nil
	}

	return &Flag{
		Category: CategoryReadabilityViolation,
		Severity: SeverityAdvisory,
		Description: fmt.Sprintf("estimated reading grade %.1f exceeds target %.1f by more than %.1f",
			grade, target, gradeTolerance),
		SuggestedFix: "shorten sentences and replace clinical jargon with plain words",
	}
}

func emergencyContactFlag(cfg sectioncfg.Config, in Input) *Flag {
	key := cfg.EmergencyContactSection
	if key == "" {
		return nil
	}
	body := sectionBody(in, key)
	if body != "" && ContainsPhoneNumber(body) {
		return nil
	}
	return &Flag{
		Category:     CategoryMissingEmergencyContact,
		Severity:     SeverityBlocking,
		SectionKey:   key,
		Description:  fmt.Sprintf("section %q has no reachable emergency phone number", key),
		SuggestedFix: "add 911 guidance and the clinic callback number",
	}
}

func medicationDetailFlags(cfg sectioncfg.Config, in Input) []Flag {
	key := cfg.MedicationsSection
	if key == "" {
		return nil
	}
	body := strings.ToLower(sectionBody(in, key))

	var flags []Flag
	for _, med := range in.Medications {
		name := strings.TrimSpace(med)
		if name == "" {
			continue
		}
		if strings.Contains(body, strings.ToLower(name)) {
			continue
		}
		flags = append(flags, Flag{
			Category:     CategoryMissingMedicationDetail,
			Severity:     SeverityBlocking,
			SectionKey:   key,
			Description:  fmt.Sprintf("medication %q is not covered in the %s section", name, key),
			SuggestedFix: fmt.Sprintf("add dosage, timing, and purpose for %s", name),
		})
	}
	return flags
}

func caregiverSectionFlag(cfg sectioncfg.Config, in Input) *Flag {
	if !in.IncludeCaregiver {
		return nil
	}
	for _, key := range cfg.CaregiverKeys() {
		if sectionBody(in, key) == "" {
			return &Flag{
				Category:     CategoryCaregiverSectionMissing,
				Severity:     SeverityBlocking,
				SectionKey:   key,
				Description:  fmt.Sprintf("caregiver is present but section %q is missing or empty", key),
				SuggestedFix: "add instructions the caregiver can follow at home",
			}
		}
	}
	return nil
}

func languageMismatchFlag(in Input) *Flag {
	var parts []string
	for _, key := range sortedKeys(in.Sections) {
		if body := strings.TrimSpace(in.Sections[key]); body != "" {
			parts = append(parts, body)
		}
	}
	text := strings.Join(parts, " ")

	detected := DetectLanguage(text)
	if detected == "" || detected == in.Language {
		return nil
	}
	return &Flag{
		Category: CategoryLanguageMismatch,
		Severity: SeverityAdvisory,
		Description: fmt.Sprintf("plan is declared %q but body text reads as %q",
			in.Language, detected),
		SuggestedFix: "regenerate the plan in the patient's preferred language",
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
