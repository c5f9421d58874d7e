package ctrl

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// keyHeader carries the key of a Put; the request body is the value.
const keyHeader = "rverbs-key"

// ExchangeServer is the server side of the rverbs.ctrl.Exchange service.
// Put stores the request under the key in the keyHeader metadata; Get
// takes the key as a string and returns the stored value.
type ExchangeServer interface {
	Put(context.Context, *anypb.Any) (*emptypb.Empty, error)
	Get(context.Context, *wrapperspb.StringValue) (*anypb.Any, error)
}

const (
	exchangeService = "rverbs.ctrl.Exchange"
	putMethod       = "/" + exchangeService + "/Put"
	getMethod       = "/" + exchangeService + "/Get"
)

var exchangeServiceDesc = grpc.ServiceDesc{
	ServiceName: exchangeService,
	HandlerType: (*ExchangeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: putHandler},
		{MethodName: "Get", Handler: getHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rverbs/ctrl/exchange",
}

func putHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(anypb.Any)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).Put(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: putMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).Put(ctx, req.(*anypb.Any))
	}
	return interceptor(ctx, in, info, handler)
}

func getHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ExchangeServer).Get(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: getMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ExchangeServer).Get(ctx, req.(*wrapperspb.StringValue))
	}
	return interceptor(ctx, in, info, handler)
}

func putKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if v := md.Get(keyHeader); len(v) > 0 {
		return v[0]
	}
	return ""
}

// BoardServer keeps published values in memory. Get blocks until the key
// is published or the caller gives up.
type BoardServer struct {
	mu     sync.Mutex
	values map[string]*anypb.Any
	ready  map[string]chan struct{}

	server   *grpc.Server
	listener net.Listener
}

func NewBoardServer() *BoardServer {
	return &BoardServer{
		values: make(map[string]*anypb.Any),
		ready:  make(map[string]chan struct{}),
	}
}

// Put publishes a value, replacing any earlier one, and wakes every waiter.
func (s *BoardServer) Put(ctx context.Context, value *anypb.Any) (*emptypb.Empty, error) {
	key := putKey(ctx)
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}
	s.mu.Lock()
	s.values[key] = value
	if ch, ok := s.ready[key]; ok {
		close(ch)
		delete(s.ready, key)
	}
	s.mu.Unlock()
	log.Debug().Str("key", key).Str("type", value.GetTypeUrl()).Msg("Published value")
	return &emptypb.Empty{}, nil
}

func (s *BoardServer) Get(ctx context.Context, req *wrapperspb.StringValue) (*anypb.Any, error) {
	key := req.GetValue()
	if key == "" {
		return nil, status.Error(codes.InvalidArgument, "empty key")
	}
	for {
		s.mu.Lock()
		if v, ok := s.values[key]; ok {
			s.mu.Unlock()
			return v, nil
		}
		ch, ok := s.ready[key]
		if !ok {
			ch = make(chan struct{})
			s.ready[key] = ch
		}
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, status.FromContextError(ctx.Err()).Err()
		}
	}
}

// Start serves the board on addr in the background.
func (s *BoardServer) Start(addr string) error {
	s.server = grpc.NewServer()
	s.server.RegisterService(&exchangeServiceDesc, s)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("Exchange board listening")
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			log.Error().Err(err).Msg("Exchange board stopped serving")
		}
	}()
	return nil
}

// Addr is the bound listen address.
func (s *BoardServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Stop waits for in-flight calls, then stops serving.
func (s *BoardServer) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// Board is a client of the exchange board.
type Board struct {
	addr string
	conn *grpc.ClientConn
}

// DialBoard creates a board client. Calls wait for the board to come up.
func DialBoard(ctx context.Context, addr string) (*Board, error) {
	conn, err := grpc.NewClient(
		"dns:///"+addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.WaitForReady(true)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for exchange board at %s: %w", addr, err)
	}
	conn.Connect()
	log.Debug().Str("addr", addr).Msg("Created exchange board client")
	return &Board{addr: addr, conn: conn}, nil
}

// Ready waits until the connection to the board is established.
func (b *Board) Ready(ctx context.Context) error {
	for {
		state := b.conn.GetState()
		if state == connectivity.Ready {
			return nil
		}
		if !b.conn.WaitForStateChange(ctx, state) {
			return fmt.Errorf("connection to exchange board at %s not ready: %w", b.addr, ctx.Err())
		}
	}
}

// Put publishes v under key.
func (b *Board) Put(ctx context.Context, key string, v proto.Message) error {
	value, err := anypb.New(v)
	if err != nil {
		return fmt.Errorf("failed to encode value for %s: %w", key, err)
	}
	ctx = metadata.AppendToOutgoingContext(ctx, keyHeader, key)
	if err := b.conn.Invoke(ctx, putMethod, value, &emptypb.Empty{}); err != nil {
		return fmt.Errorf("failed to publish %s: %w", key, err)
	}
	return nil
}

// Get waits for key to be published and decodes it into v, which must be
// of the type that was published.
func (b *Board) Get(ctx context.Context, key string, v proto.Message) error {
	start := time.Now()
	value := &anypb.Any{}
	if err := b.conn.Invoke(ctx, getMethod, wrapperspb.String(key), value); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", key, err)
	}
	if err := value.UnmarshalTo(v); err != nil {
		return fmt.Errorf("failed to decode value of %s: %w", key, err)
	}
	log.Trace().Str("key", key).Dur("waited", time.Since(start)).Msg("Fetched value")
	return nil
}

func (b *Board) Close() error {
	return b.conn.Close()
}
