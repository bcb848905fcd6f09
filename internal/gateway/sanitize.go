package gateway

import "regexp"

// RedactionMarker replaces detected manipulation phrasings in alert-derived
// free text before it reaches the provider.
const RedactionMarker = "[REDACTED:SUSPICIOUS]"

// manipulationPatterns match known prompt-manipulation phrasings. Alert
// payloads are attacker-influenced input; anything matching is replaced
// wholesale rather than interpreted.
var manipulationPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions|prompts|rules)`),
	regexp.MustCompile(`(?i)disregard\s+(your|all|any)\s+(instructions|guidelines|training|rules)`),
	regexp.MustCompile(`(?i)forget\s+(everything|all|your)\s+(you|instructions|rules)`),
	regexp.MustCompile(`(?i)you\s+are\s+now\s+(a|an|in)\s+`),
	regexp.MustCompile(`(?i)pretend\s+(to\s+be|you\s+are)`),
	regexp.MustCompile(`(?i)act\s+as\s+(if|though|a|an)\s+`),
	regexp.MustCompile(`(?i)(system|assistant)\s*(prompt|message)\s*[:=]`),
	regexp.MustCompile(`(?i)new\s+(system\s+)?instructions?\s*[:=]`),
	regexp.MustCompile(`(?i)override\s+(safety|security|your)\s+`),
	regexp.MustCompile(`(?i)do\s+not\s+(report|flag|classify)\s+this`),
	regexp.MustCompile(`(?i)mark\s+(this|it)\s+as\s+(benign|false\s+positive|safe)`),
	regexp.MustCompile(`(?i)<\s*/?\s*(system|instructions?)\s*>`),
}

// Sanitizer applies manipulation-phrase replacement to alert-derived text.
type Sanitizer struct{}

// NewSanitizer returns a sanitizer with the built-in pattern set.
func NewSanitizer() *Sanitizer { return &Sanitizer{} }

// Sanitize replaces every pattern match with the redaction marker and
// reports how many replacements were made.
func (s *Sanitizer) Sanitize(text string) (string, int) {
	hits := 0
	for _, re := range manipulationPatterns {
		matches := re.FindAllStringIndex(text, -1)
		if len(matches) == 0 {
			continue
		}
		hits += len(matches)
		text = re.ReplaceAllString(text, RedactionMarker)
	}
	return text, hits
}
