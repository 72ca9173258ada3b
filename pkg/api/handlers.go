// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	"github.com/absmach/lwm2m-gw/pkg/device"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/registry"
)

const maxBody = 64 << 10

type errorResponse struct {
	Error string `json:"error"`
}

type contentResponse struct {
	Endpoint string         `json:"endpoint"`
	Path     string         `json:"path"`
	Format   string         `json:"format,omitempty"`
	Values   map[string]any `json:"values,omitempty"`
	Payload  []byte         `json:"payload,omitempty"`
	Token    string         `json:"token,omitempty"`
}

type observationResponse struct {
	Token     string    `json:"token"`
	Endpoint  string    `json:"endpoint"`
	Path      string    `json:"path"`
	Format    string    `json:"format"`
	Dedicated bool      `json:"dedicated"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) listClients(w http.ResponseWriter, _ *http.Request) {
	sessions := s.clients.List()
	if sessions == nil {
		sessions = []registry.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (s *Server) getClient(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.clients.Get(r.PathValue("ep"))
	if !ok {
		s.writeError(w, gwerrors.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (s *Server) read(w http.ResponseWriter, r *http.Request) {
	ep, path := r.PathValue("ep"), resourcePath(r)
	format, err := queryFormat(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	content, err := s.devices.Read(r.Context(), ep, path, format)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newContentResponse(ep, path, content))
}

// write sets one resource. The body is the value in text form, typed by
// the catalog.
func (s *Server) write(w http.ResponseWriter, r *http.Request) {
	ep, path := r.PathValue("ep"), resourcePath(r)
	p, err := objects.ParsePath(path)
	if err != nil {
		s.writeError(w, err)
		return
	}
	format, err := queryFormat(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, gwerrors.Validation("failed to read body: %v", err))
		return
	}

	kind := s.config.Catalog.Hints(p.Object)[p.Resource]
	if kind == codec.KindNone {
		kind = codec.KindString
	}
	v, err := codec.Parse(kind, string(body))
	if err != nil {
		s.writeError(w, gwerrors.Validation("invalid %s value: %v", kind, err))
		return
	}
	if err := s.devices.Write(r.Context(), ep, path, format, []codec.Resource{{ID: p.Resource, Value: v}}); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		s.writeError(w, gwerrors.Validation("failed to read body: %v", err))
		return
	}
	if err := s.devices.Execute(r.Context(), r.PathValue("ep"), resourcePath(r), string(body)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// observe starts an observation. Notifications reach API users as
// observation events on /events.
func (s *Server) observe(w http.ResponseWriter, r *http.Request) {
	ep, path := r.PathValue("ep"), resourcePath(r)
	format, err := queryFormat(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	token, content, err := s.devices.Observe(r.Context(), ep, path, format, nil)
	if err != nil {
		s.writeError(w, err)
		return
	}
	resp := newContentResponse(ep, path, content)
	resp.Token = hex.EncodeToString(token)
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) cancel(w http.ResponseWriter, r *http.Request) {
	if err := s.devices.Cancel(r.PathValue("ep"), resourcePath(r)); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listObservations(w http.ResponseWriter, _ *http.Request) {
	list := s.observations.List()
	out := make([]observationResponse, 0, len(list))
	for _, o := range list {
		out = append(out, observationResponse{
			Token:     o.TokenString(),
			Endpoint:  o.Endpoint,
			Path:      o.Path,
			Format:    o.Format.String(),
			Dedicated: o.Conn != nil,
			CreatedAt: o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func resourcePath(r *http.Request) string {
	path := "/" + r.PathValue("obj") + "/" + r.PathValue("inst")
	if res := r.PathValue("res"); res != "" {
		path += "/" + res
	}
	return path
}

// queryFormat reads the optional ?format= parameter.
func queryFormat(r *http.Request) (codec.Format, error) {
	f := r.URL.Query().Get("format")
	if f == "" {
		return codec.FormatUnknown, nil
	}
	format, err := codec.ParseFormat(f)
	if err != nil {
		return codec.FormatUnknown, gwerrors.Validation("%v", err)
	}
	return format, nil
}

func newContentResponse(ep, path string, c device.Content) contentResponse {
	resp := contentResponse{Endpoint: ep, Path: path}
	if c.Format != codec.FormatUnknown {
		resp.Format = c.Format.String()
	}
	if len(c.Values) > 0 {
		resp.Values = make(map[string]any, len(c.Values))
		for id, v := range c.Values {
			resp.Values[strconv.Itoa(int(id))] = v.Any()
		}
	} else {
		resp.Payload = c.Payload
	}
	return resp
}

// httpStatus maps the gateway error taxonomy onto HTTP status codes.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, gwerrors.ErrValidation), errors.Is(err, gwerrors.ErrCodec), errors.Is(err, gwerrors.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, gwerrors.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, gwerrors.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, gwerrors.ErrConnection), errors.Is(err, gwerrors.ErrRateLimited):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := httpStatus(err)
	if code >= http.StatusInternalServerError {
		s.logger.Error("admin request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
