package sandbox

import "strings"

// Characters that force an argument into double quotes for sh.
const shMeta = " \t\n\r\"'\\$`|&;<>()*?[]{}#~!"

// Characters that force an argument into double quotes for cmd.exe.
const cmdMeta = " \t\n\r&|<>^%()\";!"

// cmd.exe still interprets these inside quotes, so each gets a caret.
var cmdEscaper = strings.NewReplacer(`"`, `""`, "&", "^&", "|", "^|", "<", "^<", ">", "^>", "^", "^^", "%", "^%")

var shEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, `$`, `\$`, "`", "\\`")

// EscapeArg quotes arg for a POSIX shell so the shell reproduces it as a
// single argument. Plain arguments are returned as is.
func EscapeArg(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, shMeta) {
		return arg
	}
	return `"` + shEscaper.Replace(arg) + `"`
}

// EscapeArgCmd quotes arg for cmd.exe, doubling embedded quotes and
// caret-escaping the metacharacters cmd.exe expands inside quotes.
func EscapeArgCmd(arg string) string {
	if arg == "" {
		return `""`
	}
	if !strings.ContainsAny(arg, cmdMeta) {
		return arg
	}
	return `"` + cmdEscaper.Replace(arg) + `"`
}

// BuildSafeCommandLine joins args into one sh command line.
func BuildSafeCommandLine(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = EscapeArg(a)
	}
	return strings.Join(parts, " ")
}

// BuildSafeCommandLineCmd joins args into one cmd.exe command line.
func BuildSafeCommandLineCmd(args []string) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = EscapeArgCmd(a)
	}
	return strings.Join(parts, " ")
}
