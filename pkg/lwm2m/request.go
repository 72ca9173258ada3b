// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/absmach/lwm2m-gw/pkg/transport"
	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
)

// request is the transport-independent view of an inbound CoAP request.
type request struct {
	ctx     context.Context
	method  codes.Code
	path    string
	queries map[string]string
	body    []byte
	remote  string
	mode    registry.Mode

	// format is the Content-Format of body. badFormat marks an unsupported one.
	format    codec.Format
	badFormat bool
	// accept is the requested response format. badAccept marks an unsupported one.
	accept    codec.Format
	badAccept bool

	// observe is the Observe option value, or -1 when absent.
	observe  int64
	observer observe.Observer
}

type reply struct {
	code     codes.Code
	format   codec.Format
	payload  []byte
	location []string
	observed bool
}

func status(code codes.Code) reply {
	return reply{code: code}
}

// errorReply maps err onto a response code and a diagnostic payload.
func errorReply(err error) reply {
	code := gwerrors.CodeFor(err)
	if errors.Is(err, objects.ErrOperationNotAllowed) {
		code = codes.MethodNotAllowed
	}
	return reply{code: code, format: codec.FormatText, payload: []byte(err.Error())}
}

func (s *Server) handler(mode registry.Mode) mux.Handler {
	return mux.HandlerFunc(func(w mux.ResponseWriter, r *mux.Message) {
		req := newRequest(w, r, mode)

		var rep reply
		s.metrics.ObserveRequest(interfaceOf(req.path), req.method.String(), func() string {
			rep = s.dispatch(req)
			return rep.code.String()
		})

		s.logger.Debug("CoAP request",
			slog.String("method", req.method.String()),
			slog.String("path", req.path),
			slog.String("remote", req.remote),
			slog.String("code", rep.code.String()))

		if err := writeReply(w, rep); err != nil {
			s.logger.Warn("failed to write CoAP response",
				slog.String("remote", req.remote),
				slog.String("error", err.Error()))
		}
	})
}

func newRequest(w mux.ResponseWriter, r *mux.Message, mode registry.Mode) *request {
	req := &request{
		ctx:     r.Context(),
		method:  r.Code(),
		queries: make(map[string]string),
		remote:  w.Conn().RemoteAddr().String(),
		mode:    mode,
		observe: -1,
	}
	if p, err := r.Path(); err == nil {
		req.path = "/" + strings.TrimPrefix(p, "/")
	} else {
		req.path = "/"
	}
	if qs, err := r.Queries(); err == nil {
		req.queries = parseQueries(qs)
	}
	if r.Body() != nil {
		if body, err := r.ReadBody(); err == nil {
			req.body = body
		}
	}
	if mt, err := r.ContentFormat(); err == nil {
		if f, ok := codec.FormatFromMediaType(mt); ok {
			req.format = f
		} else {
			req.badFormat = true
		}
	}
	if v, err := r.Options().GetUint32(message.Accept); err == nil {
		if f, ok := codec.FormatFromMediaType(message.MediaType(v)); ok {
			req.accept = f
		} else {
			req.badAccept = true
		}
	}
	if obs, err := r.Observe(); err == nil {
		req.observe = int64(obs)
		if obs == 0 {
			req.observer = &coapObserver{
				conn:  w.Conn(),
				token: append([]byte(nil), r.Token()...),
				key:   req.remote,
			}
		}
	}
	return req
}

func writeReply(w mux.ResponseWriter, rep reply) error {
	opts := make([]message.Option, 0, len(rep.location)+1)
	for _, seg := range rep.location {
		opts = append(opts, message.Option{ID: message.LocationPath, Value: []byte(seg)})
	}
	if rep.observed {
		opts = append(opts, transport.UintOption(message.Observe, 0))
	}
	var body io.ReadSeeker
	if len(rep.payload) > 0 {
		body = bytes.NewReader(rep.payload)
	}
	return w.SetResponse(rep.code, rep.format.MediaType(), body, opts...)
}

// parseQueries turns "k=v" query options into a map. Flags without a value map to "".
func parseQueries(qs []string) map[string]string {
	out := make(map[string]string, len(qs))
	for _, q := range qs {
		k, v, _ := strings.Cut(q, "=")
		out[k] = v
	}
	return out
}

func remoteHost(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}

func splitRemote(remote string) (string, int) {
	host, port, err := net.SplitHostPort(remote)
	if err != nil {
		return remote, 0
	}
	n, _ := strconv.Atoi(port)
	return host, n
}
