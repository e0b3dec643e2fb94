package sandbox

import "regexp"

type redaction struct {
	re   *regexp.Regexp
	repl string
}

var redactions = []redaction{
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{20,}`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`\bghp_[A-Za-z0-9]{36,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\bgho_[A-Za-z0-9]{36,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\bgithub_pat_[A-Za-z0-9_]{22,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\bxox[bpsa]-[A-Za-z0-9-]{10,}`), "[REDACTED_TOKEN]"},
	{regexp.MustCompile(`\bAIza[A-Za-z0-9_-]{35}`), "[REDACTED_API_KEY]"},
	{regexp.MustCompile(`(?i)Bearer\s+[A-Za-z0-9._\-/+=]{20,}`), "Bearer [REDACTED]"},
	{regexp.MustCompile(`(?i)(ANTHROPIC_API_KEY|OPENAI_API_KEY|GOOGLE_API_KEY|GEMINI_API_KEY|DISCORD_BOT_TOKEN|API_KEY|SECRET_KEY|ACCESS_TOKEN|AUTH_TOKEN)=\S+`), "${1}=[REDACTED]"},
	{regexp.MustCompile(`(?i)[A-Z]:\\Users\\[^\\"\s]+`), "[REDACTED_PATH]"},
	{regexp.MustCompile(`(^|[\s"'=(:,\[])/(?:home|Users)/[^/"'\s]+`), "${1}[REDACTED_PATH]"},
	{regexp.MustCompile(`//[^:\s]+:_authToken=\S+`), "//[REDACTED_REGISTRY]:_authToken=[REDACTED]"},
}

// Sanitize redacts credentials and user-profile paths from text bound for
// a chat client.
func Sanitize(text string) string {
	for _, r := range redactions {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	return text
}

var ansiRe = regexp.MustCompile("\x1b(?:\\[[0-9;?]*[A-Za-z]|\\][^\x07]*\x07)")

// StripANSI removes CSI and OSC escape sequences.
func StripANSI(text string) string {
	return ansiRe.ReplaceAllString(text, "")
}
