// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"log/slog"
	"strconv"
	"strings"

	"github.com/absmach/lwm2m-gw/pkg/bootstrap"
	"github.com/absmach/lwm2m-gw/pkg/codec"
	"github.com/absmach/lwm2m-gw/pkg/registry"
	"github.com/plgd-dev/go-coap/v3/message/codes"
)

const defaultBinding = "U"

// coreLinks lists the interfaces the gateway serves ahead of its objects.
const coreLinks = `</rd>;rt="core.rd",</bs>`

func (s *Server) dispatch(req *request) reply {
	segs := strings.Split(strings.Trim(req.path, "/"), "/")
	switch segs[0] {
	case ".well-known":
		if len(segs) == 2 && segs[1] == "core" {
			return s.discover(req)
		}
	case "rd":
		switch len(segs) {
		case 1:
			return s.register(req)
		case 2:
			return s.registration(req)
		}
	case "bs":
		if len(segs) == 1 && s.bootstrap != nil {
			return s.bootstrapRequest(req)
		}
	case "bs-finish":
		if len(segs) == 1 && s.bootstrap != nil {
			return s.bootstrapFinish(req)
		}
	default:
		return s.resource(req)
	}
	return status(codes.NotFound)
}

func (s *Server) register(req *request) reply {
	if req.method != codes.POST {
		return status(codes.MethodNotAllowed)
	}
	if !s.allow(ifaceRegistration, req.remote) {
		return status(codes.ServiceUnavailable)
	}

	addr, port := splitRemote(req.remote)
	info := registry.SessionInfo{
		Endpoint:    req.queries["ep"],
		Address:     addr,
		Port:        port,
		Mode:        req.mode,
		Binding:     defaultBinding,
		Version:     req.queries["lwm2m"],
		ObjectLinks: string(req.body),
	}
	if b, ok := req.queries["b"]; ok && b != "" {
		info.Binding = b
	}
	if lt, ok := req.queries["lt"]; ok {
		n, err := strconv.ParseInt(lt, 10, 64)
		if err != nil || n < 0 {
			return status(codes.BadRequest)
		}
		info.Lifetime = n
	}
	if p, ok := req.queries["port"]; ok {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return status(codes.BadRequest)
		}
		info.Port = n
	}

	sess, err := s.registry.Register(req.ctx, info)
	if err != nil {
		s.logger.Warn("registration rejected",
			slog.String("remote", req.remote),
			slog.String("error", err.Error()))
		return errorReply(err)
	}
	return reply{
		code:     codes.Created,
		location: strings.Split(strings.Trim(sess.Location, "/"), "/"),
	}
}

// registration serves updates and deregistrations on /rd/<id>.
func (s *Server) registration(req *request) reply {
	if req.method != codes.POST && req.method != codes.PUT && req.method != codes.DELETE {
		return status(codes.MethodNotAllowed)
	}
	if !s.allow(ifaceRegistration, req.remote) {
		return status(codes.ServiceUnavailable)
	}

	if req.method == codes.DELETE {
		if _, ok := s.registry.DeregisterByLocation(req.path); !ok {
			return status(codes.NotFound)
		}
		return status(codes.Deleted)
	}

	// The device's declared port survives updates unless it declares a new one.
	addr, _ := splitRemote(req.remote)
	patch := registry.Patch{Address: addr}
	if p, ok := req.queries["port"]; ok {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return status(codes.BadRequest)
		}
		patch.Port = n
	}
	if lt, ok := req.queries["lt"]; ok {
		n, err := strconv.ParseInt(lt, 10, 64)
		if err != nil || n <= 0 {
			return status(codes.BadRequest)
		}
		patch.Lifetime = &n
	}
	if b, ok := req.queries["b"]; ok && b != "" {
		patch.Binding = &b
	}
	if len(req.body) > 0 {
		links := string(req.body)
		patch.ObjectLinks = &links
	}
	if _, ok := s.registry.UpdateByLocation(req.path, patch); !ok {
		return status(codes.NotFound)
	}
	return status(codes.Changed)
}

func (s *Server) bootstrapRequest(req *request) reply {
	if req.method != codes.POST {
		return status(codes.MethodNotAllowed)
	}
	if !s.allow(ifaceBootstrap, req.remote) {
		return status(codes.ServiceUnavailable)
	}

	addr, port := splitRemote(req.remote)
	if p, ok := req.queries["port"]; ok {
		n, err := strconv.Atoi(p)
		if err != nil || n <= 0 || n > 65535 {
			return status(codes.BadRequest)
		}
		port = n
	}
	err := s.bootstrap.HandleRequest(req.ctx, bootstrap.Request{
		Endpoint: req.queries["ep"],
		Address:  addr,
		Port:     port,
	})
	if err != nil {
		s.logger.Warn("bootstrap request rejected",
			slog.String("endpoint", req.queries["ep"]),
			slog.String("remote", req.remote),
			slog.String("error", err.Error()))
		return errorReply(err)
	}
	return status(codes.Changed)
}

func (s *Server) bootstrapFinish(req *request) reply {
	if req.method != codes.POST {
		return status(codes.MethodNotAllowed)
	}
	ep := req.queries["ep"]
	if ep == "" {
		return status(codes.BadRequest)
	}
	s.bootstrap.Finished(ep)
	return status(codes.Changed)
}

func (s *Server) discover(req *request) reply {
	if req.method != codes.GET {
		return status(codes.MethodNotAllowed)
	}
	links := coreLinks
	if s.store != nil {
		if objs := s.store.Links(); objs != "" {
			links += "," + objs
		}
	}
	return reply{code: codes.Content, format: codec.FormatLinkFormat, payload: []byte(links)}
}
