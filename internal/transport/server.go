package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/odinkv/kvsvrd/internal/command"
	"github.com/odinkv/kvsvrd/internal/metrics"
	"github.com/odinkv/kvsvrd/internal/pubsub"
	"github.com/odinkv/kvsvrd/internal/rwgate"
	"github.com/odinkv/kvsvrd/internal/store"
)

// Config carries the subset of internal/config.Config the TCP server
// needs, kept narrow so this package does not import internal/config
// directly.
type Config struct {
	Addr              string
	MaxLineBytes      int
	MaxConnections    int
	MaxCommandsPerSec int
	EnableOpExecutor  bool
	OpRatePerSec      int
	EnableNewsletter  bool
}

// Server is the TCP line-protocol front end of spec.md §6, grounded on
// teacher_reference/go-server-3/internal/transport/server.go's
// Server/Start/Stop/acceptLoop shape. Where that teacher upgrades every
// accepted connection to a WebSocket frame reader, kvsvrd instead reads
// whitespace-delimited command lines directly off the raw TCP stream,
// since spec.md's wire protocol has no framing layer of its own.
type Server struct {
	cfg      Config
	logger   zerolog.Logger
	store    *store.Store
	gate     *rwgate.Gate
	notifier *pubsub.Notifier
	metrics  *metrics.Metrics
	opExec   *OpExecutor

	listener net.Listener
	wg       sync.WaitGroup

	connSemaphore chan struct{}
}

// NewServer builds a Server. opExec may be nil, in which case OP is not
// registered at all (as distinct from registered-but-disabled).
func NewServer(cfg Config, logger zerolog.Logger, s *store.Store, gate *rwgate.Gate, notifier *pubsub.Notifier, m *metrics.Metrics, opExec *OpExecutor) *Server {
	return &Server{
		cfg:           cfg,
		logger:        logger,
		store:         s,
		gate:          gate,
		notifier:      notifier,
		metrics:       m,
		opExec:        opExec,
		connSemaphore: make(chan struct{}, cfg.MaxConnections),
	}
}

// Start begins listening and accepting connections in a background
// goroutine. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if s.listener != nil {
		return errors.New("transport: server already started")
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("transport: listen: %w", err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.cfg.Addr).Msg("transport: tcp server listening")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.acceptLoop(ctx)
	}()
	return nil
}

// Stop closes the listener and waits for every in-flight connection
// handler to return.
func (s *Server) Stop() {
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				time.Sleep(50 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return
			}
			s.logger.Error().Err(err).Msg("transport: accept error")
			return
		}

		select {
		case s.connSemaphore <- struct{}{}:
		default:
			if s.metrics != nil {
				s.metrics.ConnectionsFailed.Inc()
			}
			_ = conn.Close()
			continue
		}

		if s.metrics != nil {
			s.metrics.ConnectionsTotal.Inc()
			s.metrics.ConnectionsActive.Inc()
		}

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() { <-s.connSemaphore }()
			defer func() {
				if s.metrics != nil {
					s.metrics.ConnectionsActive.Dec()
				}
			}()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	connID := uuid.NewString()
	logger := s.logger.With().Str("conn_id", connID).Str("remote_addr", conn.RemoteAddr().String()).Logger()
	logger.Debug().Msg("transport: connection accepted")

	client := store.NewClientContext(s.gate)
	writer := bufio.NewWriter(conn)

	table := command.NewTable()
	s.store.RegisterCommands(table, client, writer, s.cfg.EnableNewsletter)
	rwgate.RegisterCommands(table, client.Exclusive)
	if s.opExec != nil {
		s.opExec.RegisterCommands(table, client)
	}
	closing := false
	table.Register("QUIT", 0, false, func(cmd *command.Command) {
		cmd.ResponseMessage = "goodbye"
		closing = true
	})

	defer func() {
		s.store.ReleaseClient(client)
		logger.Debug().Msg("transport: connection closed")
	}()

	var limiter *rate.Limiter
	if s.cfg.MaxCommandsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.cfg.MaxCommandsPerSec), s.cfg.MaxCommandsPerSec)
	}

	reader := bufio.NewReaderSize(conn, s.cfg.MaxLineBytes)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, tooLong, err := readLine(reader, s.cfg.MaxLineBytes)
		if err != nil {
			return
		}
		if tooLong {
			if _, err := writer.WriteString("BUFFER_EXCEEDED\r\n"); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
			continue
		}
		if line == "" {
			continue
		}

		if limiter != nil && !limiter.Allow() {
			if _, err := writer.WriteString("rate_limited\r\n"); err != nil {
				return
			}
			if err := writer.Flush(); err != nil {
				return
			}
			continue
		}

		s.dispatch(table, line, writer, logger)
		if err := writer.Flush(); err != nil {
			return
		}
		if closing {
			return
		}
	}
}

func (s *Server) dispatch(table *command.Table, line string, writer *bufio.Writer, logger zerolog.Logger) {
	cmd := table.Parse(line)

	var start time.Time
	if s.metrics != nil {
		start = time.Now()
	}

	table.Execute(cmd)

	if s.metrics != nil && cmd.Name != "" {
		s.metrics.CommandsTotal.WithLabelValues(cmd.Name).Inc()
		s.metrics.CommandDuration.WithLabelValues(cmd.Name).Observe(time.Since(start).Seconds())
		if cmd.ResponseMessage != "" && isErrorResponse(cmd.ResponseMessage) {
			s.metrics.CommandErrorsTotal.WithLabelValues(cmd.Name, cmd.ResponseMessage).Inc()
		}
	}

	response := table.FormatResponse(cmd)
	if _, err := writer.WriteString(response); err != nil {
		logger.Debug().Err(err).Msg("transport: write response failed")
	}
}

// isErrorResponse reports whether a response message names a failure
// condition worth counting separately from routine success responses.
func isErrorResponse(message string) bool {
	switch message {
	case "argument_missing", "argument_bad_symbol", "key_nonexistent",
		"storage_full", "subscribers_full", "already_subscribed",
		"already_locked", "not_locked", "op_failed":
		return true
	default:
		return false
	}
}

// readLine reads one line from r, tolerating but flagging lines that
// exceed maxBytes rather than closing the connection: spec.md §6
// requires BUFFER_EXCEEDED to be recoverable, not fatal. It keeps
// draining past the oversized content until the newline is found so
// the next read starts at the following line.
func readLine(r *bufio.Reader, maxBytes int) (line string, tooLong bool, err error) {
	var buf []byte
	over := false
	for {
		chunk, readErr := r.ReadSlice('\n')
		if over {
			// Already over budget for this line; stop retaining
			// bytes but keep draining until the delimiter surfaces.
		} else {
			buf = append(buf, chunk...)
			if len(buf) > maxBytes {
				over = true
				buf = nil
			}
		}

		switch {
		case readErr == nil:
			if over {
				return "", true, nil
			}
			return strings.TrimRight(string(buf), "\r\n"), false, nil
		case errors.Is(readErr, bufio.ErrBufferFull):
			continue
		default:
			return "", false, readErr
		}
	}
}
