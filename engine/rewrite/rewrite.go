// Package rewrite transforms notebook cell source so that top-level
// declarations persist across cells and the final expression is captured.
//
// The transform is a character-level scan, not a parse. Every decision is
// made at brace/paren/bracket depth zero outside strings and comments,
// which is sufficient for the small set of top-level shapes it touches.
package rewrite

import (
	"regexp"
	"strings"
)

// ResultVar is the binding that receives the captured last expression
// inside the async wrapper.
const ResultVar = "__nodebooks_result__"

// statementKeywords lead statements that are never capture candidates.
var statementKeywords = map[string]bool{
	"if": true, "for": true, "while": true, "switch": true, "try": true,
	"catch": true, "finally": true, "with": true, "else": true,
	"class": true, "function": true, "const": true, "let": true,
	"var": true, "export": true, "import": true, "return": true,
	"throw": true, "break": true, "continue": true, "case": true,
	"default": true,
}

// continuationChars begin a line that continues the previous expression
// under automatic semicolon insertion.
const continuationChars = ".[(+-*/%&|^?:,!=<>"

var (
	bareIdentRe    = regexp.MustCompile(`^[A-Za-z_$][A-Za-z0-9_$]*(\.[A-Za-z_$][A-Za-z0-9_$]*)*$`)
	genericArrowRe = regexp.MustCompile(`^<\s*[A-Za-z_$][^>]*>\s*\(`)
)

// Rewrite runs both passes over a cell's source. Language selects the
// capture variant: "ts" captures only bare identifier references, anything
// else uses the general expression capture.
func Rewrite(source, language string) string {
	lifted := LiftTopLevel(source)
	return WrapLastExpression(lifted, language)
}

// LiftTopLevel replaces top-level const/let/var/function/class declarations
// with assignments onto globalThis so bindings survive re-execution and are
// visible to later cells. A var alias keeps the name usable in the current
// module scope.
func LiftTopLevel(src string) string {
	var out strings.Builder
	out.Grow(len(src) + 64)

	n := len(src)
	i := 0
	brace, paren, bracket := 0, 0, 0
	atStart := true

	for i < n {
		c := src[i]

		if c == '/' && i+1 < n && src[i+1] == '/' {
			j := i
			for j < n && src[j] != '\n' {
				j++
			}
			out.WriteString(src[i:j])
			i = j
			continue
		}
		if c == '/' && i+1 < n && src[i+1] == '*' {
			j := strings.Index(src[i+2:], "*/")
			if j < 0 {
				out.WriteString(src[i:])
				return out.String()
			}
			end := i + 2 + j + 2
			out.WriteString(src[i:end])
			i = end
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			j := skipString(src, i)
			out.WriteString(src[i:j])
			i = j
			atStart = false
			continue
		}

		switch c {
		case '{':
			brace++
			atStart = true
		case '}':
			brace--
			atStart = true
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case ';', '\n':
			atStart = true
		}

		if atStart && brace == 0 && paren == 0 && bracket == 0 && isIdentStart(c) {
			if repl, consumed, ok := matchDeclaration(src, i); ok {
				out.WriteString(repl)
				i += consumed
				atStart = true
				continue
			}
			// Not a lifted shape: emit the word whole so its letters are
			// not re-examined as statement starts.
			j := i
			for j < n && isIdentChar(src[j]) {
				j++
			}
			out.WriteString(src[i:j])
			i = j
			atStart = false
			continue
		}

		if !isSpace(c) && c != ';' && c != '{' && c != '}' && c != '\n' {
			atStart = false
		}
		out.WriteByte(c)
		i++
	}
	return out.String()
}

// matchDeclaration attempts to match a liftable declaration starting at i.
// On success it returns the replacement text and the number of source bytes
// consumed.
func matchDeclaration(src string, i int) (string, int, bool) {
	p := i
	word, p2 := readWord(src, p)
	if word == "export" {
		p = skipSpaces(src, p2)
		word, p2 = readWord(src, p)
	}

	switch word {
	case "const", "let", "var":
		return matchVarDeclaration(src, i, p2)
	case "async":
		q := skipSpaces(src, p2)
		w2, q2 := readWord(src, q)
		if w2 != "function" {
			return "", 0, false
		}
		return matchFunctionDeclaration(src, i, q2, true)
	case "function":
		return matchFunctionDeclaration(src, i, p2, false)
	case "class":
		return matchClassDeclaration(src, i, p2)
	}
	return "", 0, false
}

// matchVarDeclaration handles `const|let|var NAME [: type] = EXPR` with the
// initializer terminated by a depth-zero semicolon or by ASI.
func matchVarDeclaration(src string, start, afterKeyword int) (string, int, bool) {
	n := len(src)
	p := skipSpaces(src, afterKeyword)
	name, p := readWord(src, p)
	if name == "" || statementKeywords[name] {
		return "", 0, false
	}
	p = skipSpaces(src, p)

	// Optional TypeScript annotation: skip to the initializer's `=`.
	if p < n && src[p] == ':' {
		q, ok := skipTypeAnnotation(src, p+1)
		if !ok {
			return "", 0, false
		}
		p = q
	}

	if p >= n || src[p] != '=' || (p+1 < n && (src[p+1] == '=' || src[p+1] == '>')) {
		return "", 0, false
	}
	p++ // past '='

	initStart := p
	initEnd, consumedEnd, ok := scanInitializer(src, initStart, p)
	if !ok {
		return "", 0, false
	}
	init := strings.TrimSpace(src[initStart:initEnd])
	if init == "" {
		return "", 0, false
	}
	repl := "var " + name + " = (globalThis." + name + " = " + init + ");"
	return repl, consumedEnd - start, true
}

// scanInitializer consumes an initializer expression. It ends at the first
// `;` whose paren/bracket/brace depth is all zero, or at a newline when the
// accumulated text is non-empty and the next non-comment line does not begin
// with a continuation token. Returns the exclusive end of the expression
// text and the exclusive end of the consumed span.
func scanInitializer(src string, initStart, p int) (exprEnd, consumed int, ok bool) {
	n := len(src)
	brace, paren, bracket := 0, 0, 0
	for p < n {
		c := src[p]
		if c == '/' && p+1 < n && src[p+1] == '/' {
			for p < n && src[p] != '\n' {
				p++
			}
			continue
		}
		if c == '/' && p+1 < n && src[p+1] == '*' {
			j := strings.Index(src[p+2:], "*/")
			if j < 0 {
				return n, n, true
			}
			p = p + 2 + j + 2
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			p = skipString(src, p)
			continue
		}
		switch c {
		case '{':
			brace++
		case '}':
			brace--
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case ';':
			if brace == 0 && paren == 0 && bracket == 0 {
				return p, p + 1, true
			}
		case '\n':
			if brace == 0 && paren == 0 && bracket == 0 &&
				strings.TrimSpace(src[initStart:p]) != "" &&
				!nextLineContinues(src, p) {
				return p, p, true
			}
		}
		p++
	}
	return n, n, true
}

// nextLineContinues reports whether the first non-comment, non-empty line
// after the newline at pos begins with an expression continuation token.
func nextLineContinues(src string, pos int) bool {
	p := pos + 1
	n := len(src)
	for p < n {
		lineEnd := strings.IndexByte(src[p:], '\n')
		var line string
		if lineEnd < 0 {
			line = src[p:]
			p = n
		} else {
			line = src[p : p+lineEnd]
			p = p + lineEnd + 1
		}
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") ||
			strings.HasPrefix(trimmed, "/*") {
			continue
		}
		return strings.ContainsRune(continuationChars, rune(trimmed[0]))
	}
	return false
}

// skipTypeAnnotation advances past a TypeScript type annotation, stopping
// before the initializer's `=`. Angle brackets, parens, brackets and braces
// are tracked so `Map<string, () => void>` does not end the annotation.
func skipTypeAnnotation(src string, p int) (int, bool) {
	n := len(src)
	angle, brace, paren, bracket := 0, 0, 0, 0
	for p < n {
		c := src[p]
		if c == '\'' || c == '"' || c == '`' {
			p = skipString(src, p)
			continue
		}
		switch c {
		case '<':
			angle++
		case '>':
			if p > 0 && src[p-1] == '=' {
				// `=>` inside a function type; the '=' was consumed as part
				// of it, nothing to balance.
			} else if angle > 0 {
				angle--
			}
		case '{':
			brace++
		case '}':
			brace--
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case '=':
			if p+1 < n && src[p+1] == '>' {
				p += 2
				continue
			}
			if angle == 0 && brace == 0 && paren == 0 && bracket == 0 {
				return p, true
			}
		case ';', '\n':
			if angle == 0 && brace == 0 && paren == 0 && bracket == 0 {
				return p, false // annotation with no initializer
			}
		}
		p++
	}
	return p, false
}

// matchFunctionDeclaration rewrites `[async] function[*] NAME(` so the
// function lands on globalThis while remaining named.
func matchFunctionDeclaration(src string, start, afterFunction int, isAsync bool) (string, int, bool) {
	n := len(src)
	p := skipSpaces(src, afterFunction)
	gen := false
	if p < n && src[p] == '*' {
		gen = true
		p = skipSpaces(src, p+1)
	}
	name, p := readWord(src, p)
	if name == "" {
		return "", 0, false
	}
	if q := skipSpaces(src, p); q >= n || src[q] != '(' {
		return "", 0, false
	}

	var b strings.Builder
	b.WriteString("globalThis." + name + " = ")
	if isAsync {
		b.WriteString("async ")
	}
	b.WriteString("function")
	if gen {
		b.WriteString("*")
	}
	b.WriteString(" " + name)
	return b.String(), p - start, true
}

// matchClassDeclaration rewrites `class NAME` to a globalThis assignment.
func matchClassDeclaration(src string, start, afterClass int) (string, int, bool) {
	p := skipSpaces(src, afterClass)
	name, p := readWord(src, p)
	if name == "" || statementKeywords[name] {
		return "", 0, false
	}
	return "globalThis." + name + " = class " + name, p - start, true
}

// WrapLastExpression splits off top-level imports and type declarations,
// then wraps the remaining body in an async IIFE that captures the last
// expression statement.
func WrapLastExpression(src, language string) string {
	header, body := splitHeader(src)
	ranges := statementRanges(body)

	chosen := chooseExpression(body, ranges, language)

	var b strings.Builder
	if header != "" {
		b.WriteString(header)
	}
	b.WriteString("\n(async () => {\n")
	switch {
	case chosen == nil:
		b.WriteString(body)
		b.WriteString("\n})()")
	case chosen.fallbackReturn:
		b.WriteString("let " + ResultVar + ";\n")
		b.WriteString(body)
		b.WriteString("\nreturn " + chosen.text)
		b.WriteString("\n})()")
	default:
		b.WriteString("let " + ResultVar + ";\n")
		b.WriteString(body[:chosen.start])
		b.WriteString(ResultVar + " = (" + chosen.text + ")")
		b.WriteString(body[chosen.end:])
		b.WriteString("\nreturn " + ResultVar)
		b.WriteString("\n})()")
	}
	return b.String()
}

type capture struct {
	start, end     int // trimmed bounds of the chosen expression within body
	text           string
	fallbackReturn bool
}

// splitHeader moves top-level import statements and interface/type
// declarations into the header, which stays at file scope.
func splitHeader(src string) (header, body string) {
	var hb, bb strings.Builder
	n := len(src)
	i := 0
	brace, paren, bracket := 0, 0, 0
	atStart := true

	for i < n {
		c := src[i]

		if c == '/' && i+1 < n && (src[i+1] == '/' || src[i+1] == '*') {
			j := skipComment(src, i)
			bb.WriteString(src[i:j])
			i = j
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			j := skipString(src, i)
			bb.WriteString(src[i:j])
			i = j
			atStart = false
			continue
		}

		switch c {
		case '{':
			brace++
			atStart = true
		case '}':
			brace--
			atStart = true
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case ';', '\n':
			atStart = true
		}

		if atStart && brace == 0 && paren == 0 && bracket == 0 && isIdentStart(c) {
			word, after := readWord(src, i)
			switch word {
			case "import":
				j := scanImport(src, after)
				hb.WriteString(src[i:j])
				hb.WriteString("\n")
				i = j
				continue
			case "interface":
				if j, ok := scanInterface(src, after); ok {
					hb.WriteString(src[i:j])
					hb.WriteString("\n")
					i = j
					continue
				}
			case "type":
				if j, ok := scanTypeAlias(src, after); ok {
					hb.WriteString(src[i:j])
					hb.WriteString("\n")
					i = j
					continue
				}
			}
			bb.WriteString(src[i:after])
			i = after
			atStart = false
			continue
		}

		if !isSpace(c) && c != ';' && c != '{' && c != '}' && c != '\n' {
			atStart = false
		}
		bb.WriteByte(c)
		i++
	}
	return hb.String(), bb.String()
}

// scanImport consumes an import statement through its terminating `;`, or
// to end of line once a module specifier string has been seen.
func scanImport(src string, p int) int {
	n := len(src)
	brace, paren, bracket := 0, 0, 0
	sawSpecifier := false
	for p < n {
		c := src[p]
		if c == '\'' || c == '"' {
			p = skipString(src, p)
			sawSpecifier = true
			continue
		}
		switch c {
		case '{':
			brace++
		case '}':
			brace--
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case ';':
			if brace == 0 && paren == 0 && bracket == 0 {
				return p + 1
			}
		case '\n':
			if sawSpecifier && brace == 0 && paren == 0 && bracket == 0 {
				return p
			}
		}
		p++
	}
	return n
}

// scanInterface consumes `interface NAME ... { balanced }`.
func scanInterface(src string, p int) (int, bool) {
	n := len(src)
	p = skipSpaces(src, p)
	name, p := readWord(src, p)
	if name == "" {
		return 0, false
	}
	for p < n && src[p] != '{' {
		if src[p] == ';' {
			return 0, false
		}
		p++
	}
	if p >= n {
		return 0, false
	}
	depth := 0
	for p < n {
		c := src[p]
		if c == '\'' || c == '"' || c == '`' {
			p = skipString(src, p)
			continue
		}
		if c == '{' {
			depth++
		} else if c == '}' {
			depth--
			if depth == 0 {
				return p + 1, true
			}
		}
		p++
	}
	return n, true
}

// scanTypeAlias consumes `type NAME[<...>] = ...;` terminated by a
// semicolon at zero brace depth. Returns ok=false when "type" is being used
// as an ordinary identifier.
func scanTypeAlias(src string, p int) (int, bool) {
	n := len(src)
	q := skipSpaces(src, p)
	name, q := readWord(src, q)
	if name == "" {
		return 0, false
	}
	q = skipSpaces(src, q)
	if q < n && src[q] == '<' {
		depth := 0
		for q < n {
			if src[q] == '<' {
				depth++
			} else if src[q] == '>' {
				depth--
				if depth == 0 {
					q++
					break
				}
			}
			q++
		}
		q = skipSpaces(src, q)
	}
	if q >= n || src[q] != '=' || (q+1 < n && src[q+1] == '=') {
		return 0, false
	}
	brace := 0
	for q < n {
		c := src[q]
		if c == '\'' || c == '"' || c == '`' {
			q = skipString(src, q)
			continue
		}
		if c == '{' {
			brace++
		} else if c == '}' {
			brace--
		} else if c == ';' && brace == 0 {
			return q + 1, true
		}
		q++
	}
	return n, true
}

type stmtRange struct {
	start, end int
	// beforeBrace marks a fragment cut at a block open; it is incomplete
	// and never a capture candidate.
	beforeBrace bool
}

// statementRanges splits the body into candidate statement spans.
// Statements end at `;` when paren, bracket and brace depth are all zero;
// brace open/close also commit boundaries when not inside parens, so
// expressions inside blocks become candidates.
func statementRanges(body string) []stmtRange {
	var ranges []stmtRange
	n := len(body)
	i := 0
	start := 0
	brace, paren, bracket := 0, 0, 0

	commit := func(end, next int, beforeBrace bool) {
		ranges = append(ranges, stmtRange{start: start, end: end, beforeBrace: beforeBrace})
		start = next
	}

	for i < n {
		c := body[i]
		if c == '/' && i+1 < n && (body[i+1] == '/' || body[i+1] == '*') {
			i = skipComment(body, i)
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			i = skipString(body, i)
			continue
		}
		switch c {
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		case '{':
			if paren == 0 {
				commit(i, i+1, true)
			}
			brace++
		case '}':
			brace--
			if paren == 0 {
				commit(i, i+1, false)
			}
		case ';':
			if paren == 0 && bracket == 0 && brace == 0 {
				commit(i, i+1, false)
			}
		}
		i++
	}
	ranges = append(ranges, stmtRange{start: start, end: n})
	return ranges
}

// chooseExpression walks statement ranges backwards for the last capturable
// expression. TypeScript cells only capture bare (dotted) identifier
// references so type syntax is never disturbed.
func chooseExpression(body string, ranges []stmtRange, language string) *capture {
	for i := len(ranges) - 1; i >= 0; i-- {
		r := ranges[i]
		if r.beforeBrace {
			continue
		}
		text := body[r.start:r.end]
		trimmed := strings.TrimSpace(text)
		if trimmed == "" || !hasSubstance(trimmed) {
			continue
		}
		word, _ := readWord(trimmed, 0)
		if statementKeywords[word] {
			continue
		}
		if !balanced(trimmed) {
			continue
		}

		ts := r.start + strings.Index(text, trimmed)
		te := ts + len(trimmed)

		if language == "ts" {
			if !bareIdentRe.MatchString(trimmed) {
				return nil
			}
			return &capture{start: ts, end: te, text: trimmed}
		}
		if genericArrowRe.MatchString(trimmed) {
			return &capture{text: trimmed, fallbackReturn: true}
		}
		return &capture{start: ts, end: te, text: trimmed}
	}
	return nil
}

// hasSubstance reports whether the text contains anything beyond
// punctuation.
func hasSubstance(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isIdentChar(c) || c == '\'' || c == '"' || c == '`' || (c >= '0' && c <= '9') {
			return true
		}
	}
	return false
}

// balanced reports whether the text's parens, brackets and braces all
// close. Fragments produced by brace-boundary splits are rejected so the
// capture never wraps an incomplete expression.
func balanced(s string) bool {
	brace, paren, bracket := 0, 0, 0
	i := 0
	n := len(s)
	for i < n {
		c := s[i]
		if c == '/' && i+1 < n && (s[i+1] == '/' || s[i+1] == '*') {
			i = skipComment(s, i)
			continue
		}
		if c == '\'' || c == '"' || c == '`' {
			i = skipString(s, i)
			continue
		}
		switch c {
		case '{':
			brace++
		case '}':
			brace--
		case '(':
			paren++
		case ')':
			paren--
		case '[':
			bracket++
		case ']':
			bracket--
		}
		if brace < 0 || paren < 0 || bracket < 0 {
			return false
		}
		i++
	}
	return brace == 0 && paren == 0 && bracket == 0
}

// skipString advances past the string literal starting at i. Backslash
// escapes are honored; template literal backticks toggle without tracking
// interpolation.
func skipString(src string, i int) int {
	n := len(src)
	quote := src[i]
	i++
	for i < n {
		c := src[i]
		if c == '\\' {
			i += 2
			continue
		}
		if c == quote {
			return i + 1
		}
		if quote != '`' && c == '\n' {
			return i // unterminated single-line string
		}
		i++
	}
	return n
}

// skipComment advances past the comment starting at i.
func skipComment(src string, i int) int {
	n := len(src)
	if src[i+1] == '/' {
		for i < n && src[i] != '\n' {
			i++
		}
		return i
	}
	j := strings.Index(src[i+2:], "*/")
	if j < 0 {
		return n
	}
	return i + 2 + j + 2
}

func readWord(src string, i int) (string, int) {
	n := len(src)
	if i >= n || !isIdentStart(src[i]) {
		return "", i
	}
	j := i
	for j < n && isIdentChar(src[j]) {
		j++
	}
	return src[i:j], j
}

func skipSpaces(src string, i int) int {
	n := len(src)
	for i < n && (src[i] == ' ' || src[i] == '\t' || src[i] == '\r' || src[i] == '\n') {
		i++
	}
	return i
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '$' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || (c >= '0' && c <= '9')
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r'
}
