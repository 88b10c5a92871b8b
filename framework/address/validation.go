/*
Mailprobe - Email address verification service.
Copyright © 2024 Mailprobe contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package address

import (
	"strings"
)

// ATEXT from the RFC 5322 grammar, excluding alphanumerics.
var atextSpecial = map[rune]bool{
	'!': true, '#': true,
	'$': true, '%': true,
	'&': true, '\'': true,
	'*': true, '+': true,
	'-': true, '/': true,
	'=': true, '?': true,
	'^': true, '_': true,
	'`': true, '{': true,
	'|': true, '}': true,
	'~': true,
}

func atext(ch rune) bool {
	if atextSpecial[ch] {
		return true
	}
	if ch >= '0' && ch <= '9' {
		return true
	}
	if ch >= 'A' && ch <= 'Z' {
		return true
	}
	if ch >= 'a' && ch <= 'z' {
		return true
	}
	// RFC 6531 extends ATEXT to any non-ASCII Unicode.
	return ch > 0x7F
}

// validDotAtom checks the unquoted local-part grammar: ATEXT runs separated
// by single dots, with no leading or trailing dot.
func validDotAtom(mbox string) bool {
	if mbox == "" {
		return false
	}
	if strings.HasPrefix(mbox, ".") || strings.HasSuffix(mbox, ".") {
		return false
	}
	if strings.Contains(mbox, "..") {
		return false
	}
	for _, ch := range mbox {
		if ch == '.' {
			continue
		}
		if !atext(ch) {
			return false
		}
	}
	return true
}

// validQuotedContent checks the character set allowed inside a quoted
// local-part after escapes are undone: printable ASCII except backslash
// and DQUOTE handled by the unquoter, space allowed, plus any non-ASCII
// Unicode per RFC 6531.
func validQuotedContent(raw string) bool {
	for _, ch := range raw {
		if ch < 0x20 || ch == 0x7F /* DEL */ {
			return false
		}
	}
	return true
}

// validLabel checks a single A-label against
// [A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?.
func validLabel(label string) bool {
	for i := 0; i < len(label); i++ {
		ch := label[i]
		switch {
		case ch >= 'a' && ch <= 'z':
		case ch >= 'A' && ch <= 'Z':
		case ch >= '0' && ch <= '9':
		case ch == '-':
			if i == 0 || i == len(label)-1 {
				return false
			}
		default:
			return false
		}
	}
	return len(label) > 0
}

// Valid reports whether the string parses as an email address. It is a
// convenience wrapper around Parse.
func Valid(addr string) bool {
	_, err := Parse(addr)
	return err == nil
}
