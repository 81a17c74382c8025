// Package grouping turns raw error reports into stable fingerprints.
package grouping

import (
	"bufio"
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	// MaxFrames is the number of call-site frames folded into a normalization key.
	MaxFrames = 3

	longStringMin = 50
	frameSep      = "|"
	stackSep      = "||"
)

// Placeholder tokens substituted for volatile substrings.
const (
	TokenUUID   = "<uuid>"
	TokenNumber = "<n>"
	TokenString = "<str>"
	TokenAddr   = "<addr>"
)

// Normalization regexes compiled once at package init.
var (
	reUUID       = regexp.MustCompile(`[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}`)
	reHexAddr    = regexp.MustCompile(`\b0x[0-9a-f]+\b`)
	reLongString = regexp.MustCompile(`"[^"]{51,}"|'[^']{51,}'|` + "`[^`]{51,}`")
	reInteger    = regexp.MustCompile(`\b\d+\b`)
	reWhitespace = regexp.MustCompile(`\s+`)
)

// Stack frame shapes, one per runtime family.
var (
	// V8: "at fn (file:1:2)" and "at async fn (file:1:2)"
	reV8Named = regexp.MustCompile(`^at\s+(?:async\s+)?(.+?)\s+\((.+)\)$`)
	// V8 anonymous: "at file:1:2"
	reV8Bare = regexp.MustCompile(`^at\s+(?:async\s+)?([^\s()]+:\d+(?::\d+)?)$`)
	// JVM: "at com.example.Foo.bar(Foo.java:12)"
	reJava = regexp.MustCompile(`^at\s+([\w$.<>/]+)\(([^)]*)\)$`)
	// Firefox/Safari: "fn@file:1:2"
	reGecko = regexp.MustCompile(`^([^@\s]*)@(\S+:\d+(?::\d+)?)$`)
	// Python: `File "app.py", line 3, in handler`
	rePython = regexp.MustCompile(`^File "(.+?)", line \d+, in (.+)$`)
	// Go: "main.handler(0xc000010000)" followed by "\t/app/main.go:42 +0x1d"
	reGoFunc = regexp.MustCompile(`^([\w./*()-]+\.[\w*()]+)\(.*\)$`)
	reGoFile = regexp.MustCompile(`^\s+(\S+\.go):\d+`)
	// Apple crash reports: "3   MyApp   0x0000000104a2c3f4 MyApp.ViewController.load() + 120"
	reCocoa = regexp.MustCompile(`^\d+\s+(\S+)\s+0x[0-9a-fA-F]+\s+(.+?)(?:\s+\+\s+\d+)?$`)

	reLocation = regexp.MustCompile(`(?::\d+)+$`)
)

// Normalize builds the normalization key for a message and optional stack trace.
// Volatile substrings (UUIDs, addresses, long literals, integers) are masked so
// that reports differing only in transient data share a key.
func Normalize(message, stackTrace string) string {
	key := NormalizeMessage(message)

	frames := TopFrames(stackTrace, MaxFrames)
	if len(frames) > 0 {
		key += stackSep + strings.Join(frames, frameSep)
	}
	return key
}

// NormalizeMessage applies the masking rules to a message.
// Long literals are masked first so their length is measured on the raw text.
func NormalizeMessage(msg string) string {
	msg = strings.ToLower(msg)
	msg = reLongString.ReplaceAllString(msg, TokenString)
	msg = reUUID.ReplaceAllString(msg, TokenUUID)
	msg = reHexAddr.ReplaceAllString(msg, TokenAddr)
	msg = reInteger.ReplaceAllString(msg, TokenNumber)
	msg = reWhitespace.ReplaceAllString(msg, " ")
	return strings.TrimSpace(msg)
}

// TopFrames extracts up to max call-site frames from a stack trace, each reduced
// to "function@file". Lines that do not look like frames are skipped.
func TopFrames(stackTrace string, max int) []string {
	if stackTrace == "" || max <= 0 {
		return nil
	}

	var lines []string
	sc := bufio.NewScanner(strings.NewReader(stackTrace))
	sc.Buffer(make([]byte, 0, 4096), len(stackTrace)+1)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}

	frames := make([]string, 0, max)
	for i := 0; i < len(lines) && len(frames) < max; i++ {
		raw := lines[i]
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		var fn, file string
		switch {
		case reV8Named.MatchString(line):
			m := reV8Named.FindStringSubmatch(line)
			fn, file = m[1], m[2]
		case reV8Bare.MatchString(line):
			fn, file = "", reV8Bare.FindStringSubmatch(line)[1]
		case reJava.MatchString(line):
			m := reJava.FindStringSubmatch(line)
			fn, file = m[1], m[2]
		case rePython.MatchString(line):
			m := rePython.FindStringSubmatch(line)
			fn, file = m[2], m[1]
		case reCocoa.MatchString(line):
			m := reCocoa.FindStringSubmatch(line)
			fn, file = m[2], m[1]
		case reGecko.MatchString(line):
			m := reGecko.FindStringSubmatch(line)
			fn, file = m[1], m[2]
		case reGoFunc.MatchString(line) && i+1 < len(lines) && reGoFile.MatchString(lines[i+1]):
			fn = reGoFunc.FindStringSubmatch(line)[1]
			file = reGoFile.FindStringSubmatch(lines[i+1])[1]
			i++
		default:
			continue
		}

		frames = append(frames, formatFrame(fn, file))
	}
	return frames
}

func formatFrame(fn, file string) string {
	fn = strings.TrimSpace(fn)
	if fn == "" {
		fn = "?"
	}
	return fn + "@" + baseFile(file)
}

// baseFile strips line/column suffixes, query strings and directories so the
// same code location matches across deployments.
func baseFile(file string) string {
	file = strings.TrimSpace(file)
	if i := strings.IndexAny(file, "?#"); i >= 0 {
		file = file[:i]
	}
	file = reLocation.ReplaceAllString(file, "")
	if i := strings.LastIndexAny(file, `/\`); i >= 0 {
		file = file[i+1:]
	}
	if file == "" {
		return "?"
	}
	return file
}

// Title returns the first non-empty line of a message, capped at maxTitle bytes.
func Title(message string) string {
	for _, line := range strings.Split(message, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return truncateString(line, maxTitle)
		}
	}
	return "(no message)"
}

const maxTitle = 200

// Culprit names where an error came from: the reporting component, or the URL
// when no component was given.
func Culprit(component, url string) string {
	if component != "" {
		return truncateString(component, maxTitle)
	}
	return truncateString(url, maxTitle)
}

// truncateString truncates s to maxBytes without splitting UTF-8 runes.
func truncateString(s string, maxBytes int) string {
	if len(s) <= maxBytes {
		return s
	}
	for maxBytes > 0 && !utf8.RuneStart(s[maxBytes]) {
		maxBytes--
	}
	return s[:maxBytes]
}
