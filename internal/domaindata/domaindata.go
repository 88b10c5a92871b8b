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

// Package domaindata holds the static risk tables used by the
// validator: disposable providers, role accounts, common typos and
// known spam traps. Everything here is pure lookup, no I/O after load.
package domaindata

import (
	"bufio"
	"os"
	"strings"
	"sync"
)

// Disposable is a set of disposable mail provider domains. Entries
// starting with '*' match any domain with that suffix
// ("*.mailinator.com").
type Disposable struct {
	mu       sync.RWMutex
	exact    map[string]struct{}
	suffixes []string
}

// Seed providers shipped with the binary. A deployment-specific list is
// loaded on top via LoadFile.
var disposableSeed = []string{
	"mailinator.com",
	"*.mailinator.com",
	"10minutemail.com",
	"guerrillamail.com",
	"sharklasers.com",
	"yopmail.com",
	"tempmail.com",
	"temp-mail.org",
	"trashmail.com",
	"throwawaymail.com",
	"getnada.com",
	"maildrop.cc",
	"dispostable.com",
	"fakeinbox.com",
	"mytemp.email",
}

func NewDisposable() *Disposable {
	d := &Disposable{exact: map[string]struct{}{}}
	for _, p := range disposableSeed {
		d.Add(p)
	}
	return d
}

func (d *Disposable) Add(pattern string) {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if strings.HasPrefix(pattern, "*") {
		d.suffixes = append(d.suffixes, pattern[1:])
		return
	}
	d.exact[pattern] = struct{}{}
}

// LoadFile merges a one-domain-per-line list into the set. Empty lines
// and '#' comments are skipped.
func (d *Disposable) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		d.Add(line)
	}
	return scanner.Err()
}

func (d *Disposable) Contains(domain string) bool {
	domain = strings.ToLower(domain)
	d.mu.RLock()
	defer d.mu.RUnlock()
	if _, ok := d.exact[domain]; ok {
		return true
	}
	for _, suffix := range d.suffixes {
		if strings.HasSuffix(domain, suffix) {
			return true
		}
	}
	return false
}

// roleAccounts are local parts that address a function rather than a
// person.
var roleAccounts = map[string]struct{}{
	"admin":         {},
	"administrator": {},
	"webmaster":     {},
	"hostmaster":    {},
	"postmaster":    {},
	"abuse":         {},
	"support":       {},
	"sales":         {},
	"info":          {},
	"contact":       {},
	"help":          {},
	"no-reply":      {},
	"noreply":       {},
	"marketing":     {},
	"office":        {},
	"hr":            {},
	"jobs":          {},
	"billing":       {},
}

func IsRoleAccount(localPart string) bool {
	_, ok := roleAccounts[strings.ToLower(localPart)]
	return ok
}

// typoSuggestions maps frequently mistyped provider domains to the
// intended one.
var typoSuggestions = map[string]string{
	"gmal.com":    "gmail.com",
	"gmial.com":   "gmail.com",
	"gmai.com":    "gmail.com",
	"gamil.com":   "gmail.com",
	"yaho.com":    "yahoo.com",
	"yahooo.com":  "yahoo.com",
	"yaaho.com":   "yahoo.com",
	"yhoo.com":    "yahoo.com",
	"hotnail.com": "hotmail.com",
	"hotmal.com":  "hotmail.com",
	"hotmai.com":  "hotmail.com",
	"hotmial.com": "hotmail.com",
	"outlok.com":  "outlook.com",
	"outloot.com": "outlook.com",
	"outlock.com": "outlook.com",
	"outlool.com": "outlook.com",
}

// TypoSuggestion returns the likely intended domain for a known typo.
func TypoSuggestion(domain string) (string, bool) {
	s, ok := typoSuggestions[strings.ToLower(domain)]
	return s, ok
}

// SpamTraps is a set of full addresses known to be spam traps.
type SpamTraps struct {
	mu  sync.RWMutex
	set map[string]struct{}
}

func NewSpamTraps() *SpamTraps {
	return &SpamTraps{set: map[string]struct{}{}}
}

func (t *SpamTraps) Add(email string) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return
	}
	t.mu.Lock()
	t.set[email] = struct{}{}
	t.mu.Unlock()
}

func (t *SpamTraps) LoadFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		t.Add(scanner.Text())
	}
	return scanner.Err()
}

func (t *SpamTraps) Contains(email string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.set[strings.ToLower(email)]
	return ok
}

func (t *SpamTraps) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.set)
}
