package salience

import "regexp"

// sensitivePatterns match content that must never leave its originating
// scope. Matches mark the record sensitive before any durability decision;
// they do not block storage on their own.
var sensitivePatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpassword\b`),
	regexp.MustCompile(`(?i)\bpassphrase\b`),
	regexp.MustCompile(`(?i)\bsecret\b`),
	regexp.MustCompile(`(?i)\bapi[ _-]?key\b`),
	regexp.MustCompile(`(?i)\baccess[ _-]?token\b`),
	regexp.MustCompile(`(?i)\bprivate[ _-]?key\b`),
	regexp.MustCompile(`(?i)\bssn\b`),
	regexp.MustCompile(`(?i)\bcredit card\b`),
	regexp.MustCompile(`\b(?:\d[ -]*?){13,16}\b`), // card-number shaped digit runs
}

// IsSensitive reports whether text or metadata flags the content as
// sensitive. An explicit metadata.sensitive value wins over pattern
// matching in both directions.
func IsSensitive(text string, metadata map[string]interface{}) bool {
	if metadata != nil {
		if flag, ok := metadata["sensitive"].(bool); ok {
			return flag
		}
	}
	for _, re := range sensitivePatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}
