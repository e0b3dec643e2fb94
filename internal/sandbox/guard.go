package sandbox

import (
	"fmt"
	"regexp"
)

// InjectionScan is the advisory result of ScanPromptInjection.
type InjectionScan struct {
	Detected bool
	Warnings []string
}

type injectionPattern struct {
	re       *regexp.Regexp
	category string
}

var injectionPatterns = []injectionPattern{
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?previous\s+instructions`), "instruction override"},
	{regexp.MustCompile(`(?i)ignore\s+(all\s+)?above\s+instructions`), "instruction override"},
	{regexp.MustCompile(`(?i)disregard\s+(all\s+)?previous`), "instruction override"},
	{regexp.MustCompile(`(?i)forget\s+(all\s+)?previous`), "instruction override"},
	{regexp.MustCompile(`(?i)you\s+are\s+now\s+`), "role reassignment"},
	{regexp.MustCompile(`(?i)new\s+instructions?\s*:`), "instruction injection"},
	{regexp.MustCompile(`(?i)system\s*:\s*`), "system prompt injection"},
	{regexp.MustCompile(`(?i)\[INST\]`), "prompt format injection"},
	{regexp.MustCompile(`(?i)<\|im_start\|>`), "prompt format injection"},
	{regexp.MustCompile(`(?i)\bDAN\b.*\bmode\b`), "jailbreak attempt"},
	{regexp.MustCompile(`(?i)do\s+anything\s+now`), "jailbreak attempt"},
}

// ScanPromptInjection matches text against known injection phrasings. The
// result is advisory; callers forward the message either way.
func ScanPromptInjection(text string) InjectionScan {
	var scan InjectionScan
	seen := make(map[string]bool)
	for _, p := range injectionPatterns {
		if !p.re.MatchString(text) {
			continue
		}
		scan.Detected = true
		if !seen[p.category] {
			seen[p.category] = true
			scan.Warnings = append(scan.Warnings, p.category)
		}
	}
	return scan
}

// WrapWithPreamble prefixes message with the confinement notice for root.
func WrapWithPreamble(message, root string) string {
	return fmt.Sprintf("[Security Context: Only operate within \"%s\". Do not access files outside this directory. Do not execute destructive system commands.]\n\n%s", root, message)
}
