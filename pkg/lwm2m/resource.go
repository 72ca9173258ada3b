// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package lwm2m

import (
	"bytes"
	"context"
	"errors"

	"github.com/absmach/lwm2m-gw/pkg/codec"
	gwerrors "github.com/absmach/lwm2m-gw/pkg/errors"
	"github.com/absmach/lwm2m-gw/pkg/objects"
	"github.com/absmach/lwm2m-gw/pkg/observe"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/message/pool"
)

// StoreReader reads encoded values from store for the notifier.
func StoreReader(store *objects.Store) observe.Reader {
	return observe.ReaderFunc(func(_ context.Context, path string, format codec.Format) ([]byte, error) {
		p, err := objects.ParsePath(path)
		if err != nil {
			return nil, err
		}
		return readEncoded(store, p, format)
	})
}

func readEncoded(store *objects.Store, p objects.Path, format codec.Format) ([]byte, error) {
	res, err := store.Read(p)
	if err != nil {
		return nil, err
	}
	return codec.Encode(format, res)
}

// resource serves the gateway's own objects.
func (s *Server) resource(req *request) reply {
	if s.store == nil {
		return status(codes.NotFound)
	}
	p, err := objects.ParsePath(req.path)
	if err != nil {
		return status(codes.NotFound)
	}
	if _, ok := s.store.Catalog().Get(p.Object); !ok {
		return status(codes.NotFound)
	}
	target := p
	if p.Depth == 3 {
		target = p.InstanceOf()
	}
	if !s.store.Exists(target) {
		return status(codes.NotFound)
	}

	switch req.method {
	case codes.GET:
		return s.read(req, p)
	case codes.PUT:
		return s.write(req, p)
	case codes.POST:
		if p.Depth == 3 {
			if err := s.store.Execute(req.ctx, p, string(req.body)); err != nil {
				return errorReply(err)
			}
			return status(codes.Changed)
		}
		return s.write(req, p)
	case codes.DELETE:
		if err := s.store.Delete(p); err != nil {
			return errorReply(err)
		}
		if s.notifier != nil {
			s.notifier.Stop(p.String(), req.remote)
		}
		return status(codes.Deleted)
	default:
		return status(codes.MethodNotAllowed)
	}
}

func (s *Server) read(req *request, p objects.Path) reply {
	if req.badAccept {
		return status(codes.UnsupportedMediaType)
	}
	format := req.accept
	if format == codec.FormatUnknown {
		format = defaultFormat(p)
	}
	if format == codec.FormatLinkFormat || (format == codec.FormatText && p.Depth != 3) {
		return status(codes.UnsupportedMediaType)
	}

	path := p.String()
	switch {
	case req.observe == 0 && s.notifier != nil && req.observer != nil:
		payload, err := readEncoded(s.store, p, format)
		if err != nil {
			return s.codecReply(format, err)
		}
		if _, err := s.notifier.Start(path, req.observer, format); err != nil {
			return errorReply(err)
		}
		return reply{code: codes.Content, format: format, payload: payload, observed: true}
	case s.notifier != nil:
		// A plain GET or a non-zero Observe value cancels.
		s.notifier.Stop(path, req.remote)
	}

	payload, err := readEncoded(s.store, p, format)
	if err != nil {
		return s.codecReply(format, err)
	}
	return reply{code: codes.Content, format: format, payload: payload}
}

func (s *Server) write(req *request, p objects.Path) reply {
	if p.Depth < 2 {
		return status(codes.MethodNotAllowed)
	}
	if req.badFormat {
		return status(codes.UnsupportedMediaType)
	}
	format := req.format
	if format == codec.FormatUnknown {
		format = defaultFormat(p)
	}
	if format == codec.FormatLinkFormat || (format == codec.FormatText && p.Depth != 3) {
		return status(codes.UnsupportedMediaType)
	}

	values, err := codec.Decode(format, req.body, s.store.Catalog().Hints(p.Object), p.Resource)
	if err != nil {
		return s.codecReply(format, err)
	}
	if len(values) == 0 {
		return status(codes.BadRequest)
	}
	if err := s.store.Write(p, values); err != nil {
		return errorReply(err)
	}
	return status(codes.Changed)
}

func (s *Server) codecReply(format codec.Format, err error) reply {
	if errors.Is(err, gwerrors.ErrCodec) {
		s.metrics.CountCodecError(format.String())
	}
	return errorReply(err)
}

// defaultFormat is text for single resources and TLV otherwise.
func defaultFormat(p objects.Path) codec.Format {
	if p.Depth == 3 {
		return codec.FormatText
	}
	return codec.FormatTLV
}

// notifyConn is the part of a go-coap connection notifications are written to.
type notifyConn interface {
	AcquireMessage(ctx context.Context) *pool.Message
	ReleaseMessage(m *pool.Message)
	WriteMessage(m *pool.Message) error
	Done() <-chan struct{}
}

// coapObserver pushes notifications to a remote CoAP observer.
type coapObserver struct {
	conn  notifyConn
	token []byte
	key   string
}

func (o *coapObserver) Key() string   { return o.key }
func (o *coapObserver) Token() []byte { return o.token }

func (o *coapObserver) Notify(ctx context.Context, seq uint32, format codec.Format, payload []byte) error {
	select {
	case <-o.conn.Done():
		return gwerrors.ErrConnection
	default:
	}
	m := o.conn.AcquireMessage(ctx)
	defer o.conn.ReleaseMessage(m)
	m.SetCode(codes.Content)
	m.SetToken(o.token)
	m.SetContentFormat(format.MediaType())
	m.SetObserve(seq)
	m.SetBody(bytes.NewReader(payload))
	return o.conn.WriteMessage(m)
}
