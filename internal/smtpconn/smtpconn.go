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

// Package smtpconn wraps go-smtp.Client for use by the mailbox prober.
//
// The wrapper adds error wrapping via the exterrors package, logging of
// QUIT failures and session liveness checks for connection reuse. Probe
// sessions never reach the DATA stage.
package smtpconn

import (
	"context"
	"errors"
	"net"
	"runtime/trace"
	"strconv"
	"time"

	"github.com/emersion/go-smtp"

	"github.com/foxcpp/mailprobe/framework/exterrors"
	"github.com/foxcpp/mailprobe/framework/log"
)

// The C object represents one SMTP session with a remote MX.
type C struct {
	// Dialer to use to establish new network connections. Set to
	// net.Dialer DialContext by New.
	Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

	// Timeout for session commands (EHLO, MAIL, RCPT, NOOP, RSET).
	CommandTimeout time.Duration

	// Timeout for the initial TCP connection establishment.
	ConnectTimeout time.Duration

	// Hostname sent in the EHLO/HELO command. Expected to be encoded in
	// ACE form.
	Hostname string

	// Logger to use for debug log and certain errors.
	Log log.Logger

	serverName string
	cl         *smtp.Client
}

// New creates the new instance of the C object, populating the required
// fields with reasonable default values.
func New() *C {
	return &C{
		Dialer:         (&net.Dialer{}).DialContext,
		ConnectTimeout: time.Minute,
		CommandTimeout: time.Minute,
		Hostname:       "localhost.localdomain",
	}
}

func (c *C) wrapClientErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	switch err := err.(type) {
	case *exterrors.SMTPError:
		return err
	case *smtp.SMTPError:
		code := err.Code
		if code == 552 {
			code = 452
			c.Log.Msg("SMTP code 552 rewritten to 452 per RFC 5321 Section 4.5.3.1.10")
		}

		return &exterrors.SMTPError{
			Code:    code,
			Message: err.Message,
			Misc: map[string]interface{}{
				"remote_server": serverName,
			},
			Err: err,
		}
	case *net.OpError:
		if _, ok := err.Err.(*net.DNSError); ok {
			reason, misc := exterrors.UnwrapDNSErr(err)
			misc["remote_server"] = err.Addr
			misc["io_op"] = err.Op
			return &exterrors.SMTPError{
				Code:    exterrors.SMTPCode(err, 450, 550),
				Message: "DNS error",
				Err:     err,
				Reason:  reason,
				Misc:    misc,
			}
		}
		return &exterrors.SMTPError{
			Code:    450,
			Message: "Network I/O error",
			Err:     err,
			Misc: map[string]interface{}{
				"remote_addr": err.Addr,
				"io_op":       err.Op,
			},
		}
	default:
		return exterrors.WithFields(err, map[string]interface{}{
			"remote_server": serverName,
		})
	}
}

// Connect establishes the network connection with the remote host and
// executes EHLO, falling back to HELO for old servers.
func (c *C) Connect(ctx context.Context, host string, port int) error {
	defer trace.StartRegion(ctx, "smtpconn/Connect").End()

	addr := net.JoinHostPort(host, strconv.Itoa(port))

	dialCtx, cancel := context.WithTimeout(ctx, c.ConnectTimeout)
	conn, err := c.Dialer(dialCtx, "tcp", addr)
	cancel()
	if err != nil {
		return c.wrapClientErr(err, host)
	}

	cl, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return c.wrapClientErr(err, host)
	}

	cl.CommandTimeout = c.CommandTimeout

	// go-smtp falls back to HELO on its own if EHLO is rejected.
	// i18n: hostname is already expected to be in A-labels form.
	if err := cl.Hello(c.Hostname); err != nil {
		cl.Close()
		return c.wrapClientErr(err, host)
	}

	c.serverName = host
	c.cl = cl
	return nil
}

// Mail sends the MAIL FROM command to the remote server.
//
// The sender is expected to be in the ASCII form already, probes never
// use SMTPUTF8.
func (c *C) Mail(ctx context.Context, from string) error {
	defer trace.StartRegion(ctx, "smtpconn/MAIL FROM").End()

	if err := c.cl.Mail(from, &smtp.MailOptions{}); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Rcpt sends the RCPT TO command to the remote server and returns the
// wrapped server reply. The reply code carries the probe verdict.
func (c *C) Rcpt(ctx context.Context, to string) error {
	defer trace.StartRegion(ctx, "smtpconn/RCPT TO").End()

	if err := c.cl.Rcpt(to); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Rset aborts the current mail transaction so the session can be reused
// for another probe.
func (c *C) Rset(ctx context.Context) error {
	defer trace.StartRegion(ctx, "smtpconn/RSET").End()

	if err := c.cl.Reset(); err != nil {
		return c.wrapClientErr(err, c.serverName)
	}
	return nil
}

// Noop checks session liveness. Used before reusing a pooled connection.
func (c *C) Noop() error {
	if c.cl == nil {
		return errors.New("smtpconn: not connected")
	}
	return c.cl.Noop()
}

func (c *C) ServerName() string {
	return c.serverName
}

func (c *C) Client() *smtp.Client {
	return c.cl
}

// Close sends the QUIT command, if it fails - it directly closes the
// connection.
func (c *C) Close() error {
	if err := c.cl.Quit(); err != nil {
		c.Log.Error("QUIT error", c.wrapClientErr(err, c.serverName))
		return c.cl.Close()
	}

	c.cl = nil
	c.serverName = ""

	return nil
}

// DirectClose closes the underlying connection without sending the QUIT
// command.
func (c *C) DirectClose() error {
	c.cl.Close()
	c.cl = nil
	c.serverName = ""
	return nil
}
