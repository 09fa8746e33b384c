package grpcchecker

import (
	"context"
	"errors"
	"time"

	"bytemomo/warden/internal/checker"
	"bytemomo/warden/internal/domain"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

type paramsKey struct{}

// Params returns the parameters sent with a remote Run request.
func Params(ctx context.Context) map[string]any {
	p, _ := ctx.Value(paramsKey{}).(map[string]any)
	return p
}

// Server exposes local checkers to warden over gRPC.
type Server struct {
	Log      *log.Entry
	checkers map[string]domain.Checker
}

// Register serves checkers on s.
func Register(s *grpc.Server, logger *log.Entry, checkers ...domain.Checker) *Server {
	srv := &Server{Log: logger, checkers: make(map[string]domain.Checker, len(checkers))}
	for _, c := range checkers {
		srv.checkers[c.Name()] = c
	}
	s.RegisterService(&serviceDesc, srv)
	return srv
}

func (s *Server) lookup(name string) (domain.Checker, error) {
	if c, ok := s.checkers[name]; ok {
		return c, nil
	}
	if name == "" && len(s.checkers) == 1 {
		for _, c := range s.checkers {
			return c, nil
		}
	}
	return nil, status.Errorf(codes.NotFound, "checker %q not served", name)
}

func (s *Server) run(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req RunRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	c, err := s.lookup(req.Checker)
	if err != nil {
		return nil, err
	}
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}
	ctx = context.WithValue(ctx, paramsKey{}, req.Params)

	l := s.logger().WithFields(log.Fields{"checker": c.Name(), "target": req.Target.String()})
	l.Debug("Remote checker run")

	findings, err := c.Run(ctx, req.Target)
	var resp RunResponse
	switch {
	case err == nil:
		resp.Findings = findings
	case domain.IsUnavailable(err):
		var u *domain.CheckerUnavailableError
		errors.As(err, &u)
		resp.Unavailable = u.Reason
	case errors.Is(err, context.DeadlineExceeded):
		return nil, status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return nil, status.Error(codes.Canceled, err.Error())
	default:
		l.WithError(err).Warn("Remote checker failed")
		return nil, status.Error(codes.Internal, err.Error())
	}
	if resp.Findings == nil {
		resp.Findings = []domain.Finding{}
	}
	return toStruct(resp)
}

func (s *Server) describe(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name, _ := in.AsMap()["checker"].(string)
	c, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return toStruct(Description{
		Name:        c.Name(),
		Categories:  c.Categories(),
		Description: checker.Describe(c),
	})
}

func (s *Server) logger() *log.Entry {
	if s.Log != nil {
		return s.Log
	}
	return log.NewEntry(log.StandardLogger())
}
