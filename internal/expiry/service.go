package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Wire protocol: a fixed-layout datagram of a big-endian u64 bit
// index, a signed value byte, a one-byte command and a length-prefixed
// style name of at most 255 bytes.
const (
	CmdSet = 'S'
	CmdGet = 'G'

	frameMin = 11 // index + value + command + style length byte

	flushInterval = 5 * time.Second
)

// Replies.
var (
	replyOK  = []byte("OK")
	replyErr = []byte("ERR")
)

// Service answers expiry queries over UDP from a single goroutine and
// flushes every style's index to disk on a fixed interval.
type Service struct {
	dir     string
	conn    *net.UDPConn
	indexes map[string]*Index

	// initialBits pre-sizes fresh index files; indexes still grow when
	// deeper zooms are referenced.
	initialBits uint64

	logger *slog.Logger
}

// NewService binds the UDP socket. dir holds one bit set file per
// style. initialZoom pre-sizes new files to cover zooms up to it.
func NewService(addr, dir string, initialZoom int, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("expiry dir: %w", err)
	}

	bits, err := SizeOf(initialZoom)
	if err != nil {
		return nil, err
	}

	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("bind %s: %w", addr, err)
	}

	return &Service{
		dir:         dir,
		conn:        conn,
		indexes:     make(map[string]*Index),
		initialBits: bits,
		logger:      logger,
	}, nil
}

// Addr returns the bound UDP address.
func (s *Service) Addr() net.Addr { return s.conn.LocalAddr() }

// Run serves requests until the context is cancelled, then flushes and
// closes every index.
func (s *Service) Run(ctx context.Context) error {
	defer s.closeAll()

	nextFlush := time.Now().Add(flushInterval)
	buf := make([]byte, 512)
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		_ = s.conn.SetReadDeadline(time.Now().Add(time.Second))
		n, peer, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				nextFlush = s.maybeFlush(nextFlush)
				continue
			}
			return fmt.Errorf("expiry recv: %w", err)
		}

		reply := s.handle(buf[:n])
		if _, err := s.conn.WriteToUDP(reply, peer); err != nil {
			s.logger.Warn("expiry reply failed", "peer", peer, "error", err)
		}
		nextFlush = s.maybeFlush(nextFlush)
	}
}

func (s *Service) maybeFlush(next time.Time) time.Time {
	if time.Now().Before(next) {
		return next
	}
	s.flushAll()
	return time.Now().Add(flushInterval)
}

func (s *Service) flushAll() {
	for style, ix := range s.indexes {
		if err := ix.Flush(); err != nil {
			s.logger.Error("expiry flush failed", "style", style, "error", err)
		}
	}
}

func (s *Service) closeAll() {
	_ = s.conn.Close()
	for style, ix := range s.indexes {
		if err := ix.Close(); err != nil {
			s.logger.Error("expiry close failed", "style", style, "error", err)
		}
	}
}

// handle decodes one datagram and produces its reply.
func (s *Service) handle(frame []byte) []byte {
	idx, val, cmd, style, err := parseFrame(frame)
	if err != nil {
		s.logger.Debug("bad expiry frame", "error", err)
		return replyErr
	}

	ix, err := s.index(style)
	if err != nil {
		s.logger.Error("expiry index unavailable", "style", style, "error", err)
		return replyErr
	}

	switch cmd {
	case CmdSet:
		if err := ix.Set(idx, val != 0); err != nil {
			s.logger.Error("expiry set failed", "style", style, "idx", idx, "error", err)
			return replyErr
		}
		return replyOK
	case CmdGet:
		if ix.Get(idx) {
			return []byte{1}
		}
		return []byte{0}
	default:
		return replyErr
	}
}

// parseFrame accepts the fixed layout regardless of trailing padding,
// so both tightly packed and 255-byte-padded senders work.
func parseFrame(frame []byte) (idx uint64, val int8, cmd byte, style string, err error) {
	if len(frame) < frameMin {
		return 0, 0, 0, "", fmt.Errorf("frame too short: %d bytes", len(frame))
	}
	for i := 0; i < 8; i++ {
		idx = idx<<8 | uint64(frame[i])
	}
	val = int8(frame[8])
	cmd = frame[9]
	styleLen := int(frame[10])
	if styleLen > len(frame)-frameMin {
		return 0, 0, 0, "", fmt.Errorf("style length %d exceeds frame", styleLen)
	}
	style = string(frame[frameMin : frameMin+styleLen])
	if style == "" || strings.ContainsAny(style, "/\\") || strings.Contains(style, "..") {
		return 0, 0, 0, "", fmt.Errorf("invalid style %q", style)
	}
	return idx, val, cmd, style, nil
}

// index returns the style's bit set, opening or creating it on first
// reference.
func (s *Service) index(style string) (*Index, error) {
	if ix, ok := s.indexes[style]; ok {
		return ix, nil
	}
	path := filepath.Join(s.dir, style+".bits")
	ix, err := OpenIndex(path, int64(s.initialBits/8)+1)
	if err != nil {
		return nil, err
	}
	s.logger.Info("expiry index opened", "style", style, "path", path)
	s.indexes[style] = ix
	return ix, nil
}
