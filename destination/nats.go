package destination

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/nats-io/nats.go"

	"github.com/c360/edgegate/natsclient"
)

// Headers carried on NATS requests and replies
const (
	NATSHeaderMethod    = "Edgegate-Method"
	NATSHeaderPath      = "Edgegate-Path"
	NATSHeaderQuery     = "Edgegate-Query"
	NATSHeaderRequestID = "Edgegate-Request-Id"
	NATSHeaderPrincipal = "Edgegate-Principal"
	// NATSHeaderStatus carries the reply status; a missing header means 200
	NATSHeaderStatus = "Edgegate-Status"
)

// requester is the part of natsclient.Client used for dispatch
type requester interface {
	Request(ctx context.Context, subject string, data []byte, headers nats.Header) (*nats.Msg, error)
}

// NATS dispatches to services listening on a NATS subject. A route target of
// nats://svc.users sends requests to subject "svc.users".
type NATS struct {
	client requester
	logger *slog.Logger
}

// NewNATS creates a NATS request/reply destination
func NewNATS(client *natsclient.Client, logger *slog.Logger) *NATS {
	return newNATS(client, logger)
}

func newNATS(client requester, logger *slog.Logger) *NATS {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATS{
		client: client,
		logger: logger.With("component", "destination", "destination", "nats"),
	}
}

// Name implements Destination
func (n *NATS) Name() string { return "nats" }

// Subject returns the subject for a nats:// target
func Subject(target string) (string, bool) {
	u, err := url.Parse(target)
	if err != nil || u.Scheme != "nats" || u.Host == "" {
		return "", false
	}
	subject := u.Host
	if p := strings.Trim(u.Path, "/"); p != "" {
		subject += "." + strings.ReplaceAll(p, "/", ".")
	}
	return subject, true
}

// Do implements Destination. Requests are sent once; NATS request/reply
// has no retry here since the reply may already have been acted on.
func (n *NATS) Do(ctx context.Context, req *Request) (*Response, error) {
	subject, ok := Subject(req.Route.TargetBase)
	if !ok {
		return nil, &Error{Kind: KindUnavailable, Err: stderrors.New("route target is not a nats:// url")}
	}

	hdr := nats.Header{}
	hdr.Set(NATSHeaderMethod, req.Method)
	hdr.Set(NATSHeaderPath, req.Path)
	if req.RawQuery != "" {
		hdr.Set(NATSHeaderQuery, req.RawQuery)
	}
	if req.RequestID != "" {
		hdr.Set(NATSHeaderRequestID, req.RequestID)
	}
	if req.PrincipalID != "" {
		hdr.Set(NATSHeaderPrincipal, req.PrincipalID)
	}
	if ct := req.Header.Get("Content-Type"); ct != "" {
		hdr.Set("Content-Type", ct)
	}

	msg, err := n.client.Request(ctx, subject, req.Body, hdr)
	if err != nil {
		return nil, classifyNATS(err)
	}

	status := 200
	if s := msg.Header.Get(NATSHeaderStatus); s != "" {
		if v, err := strconv.Atoi(s); err == nil {
			status = v
		}
	}
	if status < 200 || status > 299 {
		return nil, &Error{Kind: KindStatus, Status: status}
	}

	header := make(map[string][]string, len(msg.Header))
	for k, v := range msg.Header {
		header[k] = v
	}
	return &Response{Status: status, Header: header, Body: msg.Data}, nil
}

func classifyNATS(err error) *Error {
	switch {
	case stderrors.Is(err, nats.ErrTimeout), stderrors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case stderrors.Is(err, nats.ErrNoResponders),
		stderrors.Is(err, natsclient.ErrNotConnected),
		stderrors.Is(err, natsclient.ErrCircuitOpen),
		stderrors.Is(err, nats.ErrConnectionClosed):
		return &Error{Kind: KindUnavailable, Err: err}
	default:
		return &Error{Kind: KindTransport, Err: err}
	}
}
