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

package exterrors

import (
	"fmt"
)

// SMTPError represents a status reported by a remote SMTP server,
// annotated with the context of the command that produced it.
type SMTPError struct {
	// SMTP status code.
	Code int

	// Message line of the reply, without the code.
	Message string

	// Static human-readable description of the failure, when the server
	// reply alone is not helpful.
	Reason string

	// Additional fields to include into logs.
	Misc map[string]interface{}

	// Underlying error value, if any.
	Err error
}

func (err *SMTPError) Error() string {
	if err.Reason != "" {
		return fmt.Sprintf("smtp: %d %s (%s)", err.Code, err.Message, err.Reason)
	}
	return fmt.Sprintf("smtp: %d %s", err.Code, err.Message)
}

func (err *SMTPError) Unwrap() error {
	return err.Err
}

// Temporary reports whether the status is a transient (4xx) failure.
func (err *SMTPError) Temporary() bool {
	return err.Code/100 == 4
}

func (err *SMTPError) Fields() map[string]interface{} {
	fields := make(map[string]interface{}, len(err.Misc)+3)
	for k, v := range err.Misc {
		fields[k] = v
	}
	fields["smtp_code"] = err.Code
	fields["smtp_msg"] = err.Message
	if err.Reason != "" {
		fields["reason"] = err.Reason
	}
	return fields
}

// SMTPCode returns the SMTP code that corresponds to the error
// temporary-ness, as reported by IsTemporaryOrUnspec.
func SMTPCode(err error, temporaryCode, permanentCode int) int {
	if IsTemporaryOrUnspec(err) {
		return temporaryCode
	}
	return permanentCode
}
