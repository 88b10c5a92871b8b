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

package testutils

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/emersion/go-smtp"
)

// SMTPBackend is a scriptable SMTP server backend for prober and pool
// tests. Error fields apply to all sessions; RcptErr is keyed by the
// recipient address.
type SMTPBackend struct {
	mu sync.Mutex

	SessionCounter  int
	MailFromCounter int
	RcptCounter     int
	NoopCounter     int

	MailErr        error
	RcptErr        map[string]error
	RcptDefaultErr error

	// Recipients accepted across all sessions.
	Accepted []string
}

func (be *SMTPBackend) NewSession(state smtp.ConnectionState, _ string) (smtp.Session, error) {
	be.mu.Lock()
	be.SessionCounter++
	be.mu.Unlock()
	return &session{backend: be}, nil
}

func (be *SMTPBackend) Sessions() int {
	be.mu.Lock()
	defer be.mu.Unlock()
	return be.SessionCounter
}

func (be *SMTPBackend) AcceptedRcpts() []string {
	be.mu.Lock()
	defer be.mu.Unlock()
	out := make([]string, len(be.Accepted))
	copy(out, be.Accepted)
	return out
}

type session struct {
	backend *SMTPBackend
}

func (s *session) Reset() {}

func (s *session) Logout() error {
	return nil
}

func (s *session) AuthPlain(username, password string) error {
	return nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	s.backend.mu.Lock()
	s.backend.MailFromCounter++
	err := s.backend.MailErr
	s.backend.mu.Unlock()
	return err
}

func (s *session) Rcpt(to string) error {
	s.backend.mu.Lock()
	defer s.backend.mu.Unlock()
	s.backend.RcptCounter++

	if err, ok := s.backend.RcptErr[to]; ok {
		return err
	}
	if s.backend.RcptDefaultErr != nil {
		return s.backend.RcptDefaultErr
	}
	s.backend.Accepted = append(s.backend.Accepted, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	// Probes never reach DATA.
	_, err := io.Copy(io.Discard, r)
	return err
}

type SMTPServerConfigureFunc func(*smtp.Server)

// SMTPServer starts a server listening on the specified addr.
func SMTPServer(t *testing.T, addr string, fn ...SMTPServerConfigureFunc) (*SMTPBackend, *smtp.Server) {
	t.Helper()

	l, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}

	be := new(SMTPBackend)
	s := smtp.NewServer(be)
	s.Domain = "localhost"
	s.AuthDisabled = true
	for _, f := range fn {
		f(s)
	}

	go func() {
		_ = s.Serve(l)
	}()

	// Dial it once to make sure Server completes its initialization before
	// we try to use it.
	testConn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	testConn.Close()

	return be, s
}
