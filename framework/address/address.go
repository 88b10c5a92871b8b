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

// Package address implements parsing and normalization of email addresses
// per RFC 5322 (syntax) and UTS-46/IDNA2008 (internationalized domains).
package address

import (
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/foxcpp/mailprobe/framework/dns"
)

// RFC 3696 limits, in bytes. Local-part length is checked after NFKC
// normalization, domain length after conversion to A-labels.
const (
	MaxLocalLength   = 64
	MaxDomainLength  = 255
	MaxAddressLength = 320
)

// ErrorKind classifies address parse failures.
type ErrorKind string

const (
	SyntaxInvalid ErrorKind = "syntax_invalid"
	LocalTooLong  ErrorKind = "local_too_long"
	DomainTooLong ErrorKind = "domain_too_long"
	LocalChars    ErrorKind = "local_chars"
	DomainChars   ErrorKind = "domain_chars"
	IDNAFailure   ErrorKind = "idna_failure"
)

// ParseError is returned by Parse for malformed addresses.
type ParseError struct {
	Kind   ErrorKind
	Reason string
	Err    error
}

func (err *ParseError) Error() string {
	return "address: " + err.Reason
}

func (err *ParseError) Unwrap() error {
	return err.Err
}

func (err *ParseError) Fields() map[string]interface{} {
	return map[string]interface{}{
		"parse_error": string(err.Kind),
		"reason":      err.Reason,
	}
}

func parseErr(kind ErrorKind, format string, args ...interface{}) *ParseError {
	return &ParseError{Kind: kind, Reason: fmt.Sprintf(format, args...)}
}

// Address is a parsed and normalized email address.
//
// Immutable after construction.
type Address struct {
	// Local part after NFKC normalization. Unicode is preserved per
	// RFC 6530.
	LocalPart string

	// Domain in A-label (Punycode) form, lower-case.
	DomainASCII string

	// Domain in U-label form, NFC-normalized and lower-case.
	DomainUnicode string

	// Canonical representation: normalized local part (quoted again if it
	// requires quoting) + "@" + DomainASCII.
	Normalized string
}

// Parse validates raw as an email address and produces its normalized form.
//
// The address is split on the last at-sign. The local part is checked
// against the RFC 5322 dot-atom or quoted-string grammar and normalized to
// NFKC; the domain is mapped through UTS-46 to its A-label form with the
// usual label and length checks applied.
func Parse(raw string) (Address, error) {
	if raw == "" {
		return Address{}, parseErr(SyntaxInvalid, "empty address")
	}
	if len(raw) > MaxAddressLength {
		return Address{}, parseErr(SyntaxInvalid, "address exceeds %d bytes", MaxAddressLength)
	}

	mbox, domain, err := Split(raw)
	if err != nil {
		return Address{}, &ParseError{Kind: SyntaxInvalid, Reason: err.Error(), Err: err}
	}

	quoted := strings.HasPrefix(mbox, `"`)
	if quoted {
		raw, err := UnquoteMbox(mbox)
		if err != nil {
			return Address{}, &ParseError{Kind: LocalChars, Reason: err.Error(), Err: err}
		}
		if !validQuotedContent(raw) {
			return Address{}, parseErr(LocalChars, "forbidden character in quoted local-part")
		}
		mbox = raw
	} else {
		if !validDotAtom(mbox) {
			return Address{}, parseErr(LocalChars, "local-part is not a valid dot-atom")
		}
	}

	mbox = norm.NFKC.String(mbox)
	if len(mbox) > MaxLocalLength {
		return Address{}, parseErr(LocalTooLong, "local-part exceeds %d bytes", MaxLocalLength)
	}

	domainASCII, err := dns.ToASCII(domain)
	if err != nil {
		return Address{}, &ParseError{Kind: IDNAFailure, Reason: "IDNA conversion failed: " + err.Error(), Err: err}
	}
	domainASCII = strings.ToLower(strings.TrimSuffix(domainASCII, "."))
	if len(domainASCII) > MaxDomainLength {
		return Address{}, parseErr(DomainTooLong, "domain exceeds %d bytes", MaxDomainLength)
	}
	if err := checkLabels(domainASCII); err != nil {
		return Address{}, err
	}

	domainUnicode, err := dns.ForLookup(domainASCII)
	if err != nil {
		return Address{}, &ParseError{Kind: IDNAFailure, Reason: "IDNA conversion failed: " + err.Error(), Err: err}
	}

	normalized := mbox
	if quoted {
		normalized = QuoteMbox(mbox)
	}

	return Address{
		LocalPart:     mbox,
		DomainASCII:   domainASCII,
		DomainUnicode: domainUnicode,
		Normalized:    normalized + "@" + domainASCII,
	}, nil
}

func checkLabels(domainASCII string) *ParseError {
	for _, label := range strings.Split(domainASCII, ".") {
		switch {
		case label == "":
			return parseErr(DomainChars, "empty label in domain")
		case len(label) > 63:
			return parseErr(DomainTooLong, "domain label exceeds 63 bytes")
		case !validLabel(label):
			return parseErr(DomainChars, "forbidden character in domain label")
		}
	}
	return nil
}
