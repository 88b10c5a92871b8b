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
	"errors"
	"net"
)

// UnwrapDNSErr extracts a human-readable reason and log fields from a
// net.DNSError found anywhere in the chain of err.
func UnwrapDNSErr(err error) (reason string, misc map[string]interface{}) {
	misc = map[string]interface{}{}

	var dnsErr *net.DNSError
	if !errors.As(err, &dnsErr) {
		return err.Error(), misc
	}

	misc["dns_name"] = dnsErr.Name
	if dnsErr.Server != "" {
		misc["dns_server"] = dnsErr.Server
	}
	misc["dns_not_found"] = dnsErr.IsNotFound
	misc["dns_timeout"] = dnsErr.IsTimeout

	return dnsErr.Err, misc
}
