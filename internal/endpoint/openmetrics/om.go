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

// Package openmetrics serves the Prometheus metrics registry on a
// separate operations listener, away from the public API.
package openmetrics

import (
	"errors"
	"net"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/foxcpp/mailprobe/framework/log"
)

type Endpoint struct {
	addr   string
	logger log.Logger

	listenerWg sync.WaitGroup
	serv       http.Server
}

func New(addr string, logger log.Logger) *Endpoint {
	return &Endpoint{addr: addr, logger: logger}
}

func (e *Endpoint) Start() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	e.serv.Handler = mux

	l, err := net.Listen("tcp", e.addr)
	if err != nil {
		return err
	}

	e.listenerWg.Add(1)
	go func() {
		e.logger.Println("listening on", e.addr)
		err := e.serv.Serve(l)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			e.logger.Error("serve failed", err, "endpoint", e.addr)
		}
		e.listenerWg.Done()
	}()
	return nil
}

func (e *Endpoint) Close() error {
	if err := e.serv.Close(); err != nil {
		return err
	}
	e.listenerWg.Wait()
	return nil
}
