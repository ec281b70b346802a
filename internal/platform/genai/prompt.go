package genai

import (
	"fmt"
	"strings"

	"github.com/dpa/dpa/internal/sectioncfg"
)

var languageNames = map[string]string{
	"en": "English",
	"es": "Spanish (Español)",
	"zh": "Chinese (中文)",
}

var readingGuidance = map[string]string{
	"standard":   "Use clear medical terminology with explanations. Target 8th-10th grade reading level.",
	"simplified": "Use very simple words and short sentences. Avoid medical jargon. Target 5th-6th grade reading level.",
}

// marker returns the delimiter header for a section key, e.g.
// "===WARNING SIGNS===". Markers always use the English title so parsing
// does not depend on the output language.
func marker(cfg sectioncfg.Config, key string) string {
	return "===" + strings.ToUpper(cfg.Title(key, "en")) + "==="
}

func buildPrompt(cfg sectioncfg.Config, in PatientInputs, style StyleConfig) string {
	language := languageNames[style.Language]
	if language == "" {
		language = "English"
	}
	guidance := readingGuidance[style.ReadingLevel]
	if guidance == "" {
		guidance = readingGuidance["simplified"]
	}

	keys := cfg.RequiredKeys(style.IncludeCaregiver)

	var b strings.Builder
	fmt.Fprintf(&b, `Create a comprehensive stroke discharge plan.

PATIENT INFORMATION:
- Name: %s
- MRN: %s
- Language Preference: %s
- Disposition: %s

CLINICAL INFORMATION:
- Stroke Type: %s
- Fall Risk: %s
- Dysphagia Screen: %s
- On Anticoagulant: %s
- Medications: %s

HOSPITAL SUMMARY:
%s

INSTRUCTIONS:
- Generate the discharge plan in %s
- %s
`, in.Name, in.MRN, language, in.Disposition,
		in.StrokeType, in.FallRisk, in.Dysphagia, yesNo(in.Anticoagulant),
		strings.Join(in.Medications, ", "), in.HospitalSummary, language, guidance)

	if style.IncludeCaregiver {
		b.WriteString("- Include specific instructions for caregivers\n")
	}
	if in.Anticoagulant {
		b.WriteString("- Include anticoagulant warnings and bleeding precautions\n")
	}
	b.WriteString("- Cover every listed medication with dosage, timing, and purpose\n")
	b.WriteString("- Include emergency guidance with a phone number to call\n")
	b.WriteString("- Use professional medical language and no emojis\n\n")

	fmt.Fprintf(&b, "Generate EXACTLY %d sections using these EXACT section headers, in this order:\n\n", len(keys))
	for _, key := range keys {
		fmt.Fprintf(&b, "%s\n[%s content]\n\n", marker(cfg, key), cfg.Title(key, "en"))
	}
	b.WriteString("CRITICAL: Use the exact section headers shown above (===SECTION NAME===). This is essential for parsing.")

	return b.String()
}

func yesNo(v bool) string {
	if v {
		return "Yes"
	}
	return "No"
}

// parseSections splits a delimited completion into section bodies keyed by
// section key. Every required section must be present and non-empty;
// anything else is a malformed response.
func parseSections(cfg sectioncfg.Config, content string, includeCaregiver bool) (map[string]string, error) {
	keys := cfg.RequiredKeys(includeCaregiver)

	sections := make(map[string]string, len(keys))
	var missing []string
	for i, key := range keys {
		m := marker(cfg, key)
		start := strings.Index(content, m)
		if start < 0 {
			missing = append(missing, key)
			continue
		}
		start += len(m)

		end := len(content)
		for _, later := range keys[i+1:] {
			if idx := strings.Index(content[start:], marker(cfg, later)); idx >= 0 {
				end = start + idx
				break
			}
		}

		body := strings.TrimSpace(content[start:end])
		if body == "" {
			missing = append(missing, key)
			continue
		}
		sections[key] = body
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("response missing sections: %s", strings.Join(missing, ", "))
	}
	return sections, nil
}
