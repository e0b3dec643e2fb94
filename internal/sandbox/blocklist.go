package sandbox

import (
	"regexp"
	"strings"
)

// Commands refused when they start the input. Matched case-insensitively
// after trimming.
var blockedPrefixes = []string{
	"format",
	"diskpart",
	"shutdown",
	"restart",
	"del /s",
	"rd /s",
	"rmdir /s",
	"erase /s",
	"reg delete",
	"bcdedit",
	"bootrec",
	"bcdboot",
	"cipher /w",
	"net user",
	"net localgroup",
	"powershell",
	"pwsh",
	"cmd /c",
	"cmd.exe",
	"wsl",
	"bash",
	"wmic",
	"sc delete",
	"sc stop",
	"sc config",
	"taskkill",
	"schtasks",
	"netsh",
	"setx",
	"rm -rf /",
	"mkfs",
	"dd if=",
}

// Interpreters and LOLBins refused anywhere in the input, so chaining
// (`dir & powershell ...`) does not slip past the prefix check.
var blockedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bpowershell(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bpwsh(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bcmd(?:\.exe)?\s*/c\b`),
	regexp.MustCompile(`(?i)\bwscript(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bcscript(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bmshta(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bcertutil(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bbitsadmin(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bwmic(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\bregsvr32(?:\.exe)?\b`),
	regexp.MustCompile(`(?i)\brundll32(?:\.exe)?\b`),
}

// Start of a command anywhere in a line: the beginning, or after a
// separator, pipe or substitution, with an optional sudo and directory.
const cmdStart = "(?i)(?:^|[;&|\n(`]|\\$\\()\\s*(?:sudo\\s+)?(?:\\S*/)?"

// Destructive commands and shells refused in any command position, so
// `ls; rm -rf /` or `curl ... | sh` is caught as well as a leading one.
var blockedChained = []*regexp.Regexp{
	regexp.MustCompile(cmdStart + `shutdown\b`),
	regexp.MustCompile(cmdStart + `format\b`),
	regexp.MustCompile(cmdStart + `diskpart\b`),
	regexp.MustCompile(cmdStart + `mkfs(?:\.\w+)?\b`),
	regexp.MustCompile(cmdStart + `rm\s+-rf\s+/`),
	regexp.MustCompile(cmdStart + `dd\s+if=`),
	regexp.MustCompile(cmdStart + `(?:ba|z|da|k)?sh\b`),
	regexp.MustCompile(cmdStart + `del\s+/s\b`),
	regexp.MustCompile(cmdStart + `(?:rd|rmdir)\s+/s\b`),
	regexp.MustCompile(cmdStart + `reg\s+delete\b`),
	regexp.MustCompile(cmdStart + `bcdedit\b`),
	regexp.MustCompile(cmdStart + `taskkill\b`),
}

// IsCommandBlocked reports whether a user-issued shell command is refused.
func IsCommandBlocked(raw string) bool {
	cmd := strings.ToLower(strings.TrimSpace(raw))
	if cmd == "" {
		return false
	}
	for _, p := range blockedPrefixes {
		if strings.HasPrefix(cmd, p) {
			return true
		}
	}
	for _, re := range blockedPatterns {
		if re.MatchString(cmd) {
			return true
		}
	}
	for _, re := range blockedChained {
		if re.MatchString(cmd) {
			return true
		}
	}
	return false
}
