// Package nbd serves disks and partitions over the NBD (Network Block Device)
// protocol so that a host kernel can attach them with nbd-client.
//
// Only the fixed-newstyle handshake and simple replies are implemented.
// Requests from all connections are applied one at a time; the devices
// beneath are not safe for concurrent use.
package nbd

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/lvdlvd/vdiext/fsys"
)

const (
	nbdMagic            = uint64(0x4e42444d41474943) // "NBDMAGIC"
	nbdOptionMagic      = uint64(0x49484156454F5054) // "IHAVEOPT"
	nbdReplyMagic       = uint64(0x3e889045565a9)
	nbdRequestMagic     = uint32(0x25609513)
	nbdReplyMagicSimple = uint32(0x67446698)

	nbdFlagFixedNewstyle = uint16(1 << 0)
	nbdFlagNoZeroes      = uint16(1 << 1)
	nbdFlagCNoZeroes     = uint32(1 << 1)

	nbdFlagHasFlags  = uint16(1 << 0)
	nbdFlagReadOnly  = uint16(1 << 1)
	nbdFlagSendFlush = uint16(1 << 2)

	nbdOptExportName = uint32(1)
	nbdOptAbort      = uint32(2)
	nbdOptList       = uint32(3)
	nbdOptGo         = uint32(7)

	nbdRepAck        = uint32(1)
	nbdRepServer     = uint32(2)
	nbdRepInfo       = uint32(3)
	nbdRepErrUnsup   = uint32(0x80000001)
	nbdRepErrUnknown = uint32(0x80000006)

	nbdInfoExport    = uint16(0)
	nbdInfoBlockSize = uint16(3)

	nbdCmdRead  = uint16(0)
	nbdCmdWrite = uint16(1)
	nbdCmdDisc  = uint16(2)
	nbdCmdFlush = uint16(3)

	nbdErrNone  = uint32(0)
	nbdErrPerm  = uint32(1)
	nbdErrIO    = uint32(5)
	nbdErrInval = uint32(22)

	// preferredBlockSize matches the boot-sector sector size.
	preferredBlockSize = uint32(512)
	maxRequest         = uint32(32 << 20)
)

// Export is a named device offered to clients.
type Export struct {
	Name     string
	Device   fsys.Device
	ReadOnly bool
}

// syncer is implemented by devices that can flush to stable storage.
type syncer interface {
	Sync() error
}

// Server accepts NBD connections and serves its exports.
type Server struct {
	log *logrus.Entry

	exportsMu sync.RWMutex
	exports   map[string]*Export

	// io serializes every device access across connections.
	io sync.Mutex

	mu       sync.Mutex
	listener net.Listener
	done     chan struct{}
	once     sync.Once
}

// NewServer returns a server with no exports that logs through log.
func NewServer(log *logrus.Entry) *Server {
	return &Server{
		log:     log,
		exports: make(map[string]*Export),
		done:    make(chan struct{}),
	}
}

// AddExport registers exp. Names must be unique.
func (s *Server) AddExport(exp *Export) error {
	s.exportsMu.Lock()
	defer s.exportsMu.Unlock()
	if _, ok := s.exports[exp.Name]; ok {
		return fmt.Errorf("export %q already exists", exp.Name)
	}
	s.exports[exp.Name] = exp
	return nil
}

func (s *Server) export(name string) *Export {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	return s.exports[name]
}

// Exports returns the export names in sorted order.
func (s *Server) Exports() []string {
	s.exportsMu.RLock()
	defer s.exportsMu.RUnlock()
	names := make([]string, 0, len(s.exports))
	for name := range s.exports {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListenAndServe listens on the unix socket at path and serves until Close.
func (s *Server) ListenAndServe(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return err
	}
	defer os.Remove(path)
	if err := os.Chmod(path, 0o660); err != nil {
		s.log.WithError(err).Warn("chmod socket")
	}
	s.log.WithField("socket", path).Infof("connect with: nbd-client -N <export> -unix %s /dev/nbdX", path)
	return s.Serve(ln)
}

// Serve accepts connections on ln until Close is called.
func (s *Server) Serve(ln net.Listener) error {
	if len(s.Exports()) == 0 {
		return errors.New("no exports defined")
	}
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return ln.Close()
	default:
	}
	s.listener = ln
	s.mu.Unlock()

	for _, name := range s.Exports() {
		exp := s.export(name)
		s.log.WithFields(logrus.Fields{
			"export":    name,
			"size":      exp.Device.Size(),
			"read_only": exp.ReadOnly,
		}).Info("serving export")
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			s.log.WithError(err).Warn("accept")
			continue
		}
		go s.ServeConn(conn)
	}
}

// Close stops accepting connections. Sessions already running continue
// until their clients disconnect.
func (s *Server) Close() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		close(s.done)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	return err
}

// ServeConn runs one client session on conn and closes it.
func (s *Server) ServeConn(conn net.Conn) {
	defer conn.Close()
	log := s.log.WithField("remote", conn.RemoteAddr().String())
	log.Debug("new connection")

	sess := &session{server: s, conn: conn, log: log}
	if err := sess.negotiate(); err != nil {
		log.WithError(err).Warn("negotiation failed")
		return
	}
	log = log.WithField("export", sess.export.Name)
	sess.log = log
	if err := sess.transmit(); err != nil && err != io.EOF {
		log.WithError(err).Warn("transmission failed")
	}
	log.Debug("connection closed")
}

type session struct {
	server   *Server
	conn     net.Conn
	log      *logrus.Entry
	export   *Export
	noZeroes bool
}

func (sess *session) negotiate() error {
	greeting := make([]byte, 18)
	binary.BigEndian.PutUint64(greeting[0:8], nbdMagic)
	binary.BigEndian.PutUint64(greeting[8:16], nbdOptionMagic)
	binary.BigEndian.PutUint16(greeting[16:18], nbdFlagFixedNewstyle|nbdFlagNoZeroes)
	if _, err := sess.conn.Write(greeting); err != nil {
		return fmt.Errorf("sending greeting: %w", err)
	}

	var clientFlags [4]byte
	if _, err := io.ReadFull(sess.conn, clientFlags[:]); err != nil {
		return fmt.Errorf("reading client flags: %w", err)
	}
	sess.noZeroes = binary.BigEndian.Uint32(clientFlags[:])&nbdFlagCNoZeroes != 0

	for {
		var hdr [16]byte
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return fmt.Errorf("reading option header: %w", err)
		}
		if magic := binary.BigEndian.Uint64(hdr[0:8]); magic != nbdOptionMagic {
			return fmt.Errorf("bad option magic %#x", magic)
		}
		opt := binary.BigEndian.Uint32(hdr[8:12])
		n := binary.BigEndian.Uint32(hdr[12:16])
		if n > 4096 {
			return fmt.Errorf("option %d payload of %d bytes", opt, n)
		}
		data := make([]byte, n)
		if _, err := io.ReadFull(sess.conn, data); err != nil {
			return fmt.Errorf("reading option data: %w", err)
		}
		done, err := sess.handleOption(opt, data)
		if err != nil || done {
			return err
		}
	}
}

func (sess *session) handleOption(opt uint32, data []byte) (done bool, err error) {
	switch opt {
	case nbdOptExportName:
		exp := sess.server.export(string(data))
		if exp == nil {
			return false, fmt.Errorf("unknown export %q", data)
		}
		sess.export = exp
		return true, sess.sendOldstyleExportInfo()

	case nbdOptGo:
		name := ""
		if len(data) >= 4 {
			if n := binary.BigEndian.Uint32(data[0:4]); int(4+n) <= len(data) {
				name = string(data[4 : 4+n])
			}
		}
		exp := sess.server.export(name)
		if exp == nil && name == "" {
			if names := sess.server.Exports(); len(names) > 0 {
				exp = sess.server.export(names[0])
			}
		}
		if exp == nil {
			return false, sess.sendOptionReply(opt, nbdRepErrUnknown, nil)
		}
		sess.export = exp
		return true, sess.sendExportInfo(opt)

	case nbdOptList:
		for _, name := range sess.server.Exports() {
			entry := make([]byte, 4+len(name))
			binary.BigEndian.PutUint32(entry[0:4], uint32(len(name)))
			copy(entry[4:], name)
			if err := sess.sendOptionReply(opt, nbdRepServer, entry); err != nil {
				return false, err
			}
		}
		return false, sess.sendOptionReply(opt, nbdRepAck, nil)

	case nbdOptAbort:
		sess.sendOptionReply(opt, nbdRepAck, nil)
		return false, errors.New("client aborted")

	default:
		return false, sess.sendOptionReply(opt, nbdRepErrUnsup, nil)
	}
}

func (sess *session) sendOptionReply(opt, typ uint32, data []byte) error {
	reply := make([]byte, 20+len(data))
	binary.BigEndian.PutUint64(reply[0:8], nbdReplyMagic)
	binary.BigEndian.PutUint32(reply[8:12], opt)
	binary.BigEndian.PutUint32(reply[12:16], typ)
	binary.BigEndian.PutUint32(reply[16:20], uint32(len(data)))
	copy(reply[20:], data)
	_, err := sess.conn.Write(reply)
	return err
}

func (sess *session) transmissionFlags() uint16 {
	flags := nbdFlagHasFlags | nbdFlagSendFlush
	if sess.export.ReadOnly {
		flags |= nbdFlagReadOnly
	}
	return flags
}

func (sess *session) sendExportInfo(opt uint32) error {
	info := make([]byte, 12)
	binary.BigEndian.PutUint16(info[0:2], nbdInfoExport)
	binary.BigEndian.PutUint64(info[2:10], uint64(sess.export.Device.Size()))
	binary.BigEndian.PutUint16(info[10:12], sess.transmissionFlags())
	if err := sess.sendOptionReply(opt, nbdRepInfo, info); err != nil {
		return err
	}

	bs := make([]byte, 14)
	binary.BigEndian.PutUint16(bs[0:2], nbdInfoBlockSize)
	binary.BigEndian.PutUint32(bs[2:6], 1)
	binary.BigEndian.PutUint32(bs[6:10], preferredBlockSize)
	binary.BigEndian.PutUint32(bs[10:14], maxRequest)
	if err := sess.sendOptionReply(opt, nbdRepInfo, bs); err != nil {
		return err
	}
	return sess.sendOptionReply(opt, nbdRepAck, nil)
}

func (sess *session) sendOldstyleExportInfo() error {
	n := 10
	if !sess.noZeroes {
		n += 124
	}
	resp := make([]byte, n)
	binary.BigEndian.PutUint64(resp[0:8], uint64(sess.export.Device.Size()))
	binary.BigEndian.PutUint16(resp[8:10], sess.transmissionFlags())
	_, err := sess.conn.Write(resp)
	return err
}

func (sess *session) transmit() error {
	var hdr [28]byte
	for {
		if _, err := io.ReadFull(sess.conn, hdr[:]); err != nil {
			return err
		}
		if magic := binary.BigEndian.Uint32(hdr[0:4]); magic != nbdRequestMagic {
			return fmt.Errorf("bad request magic %#x", magic)
		}
		cmd := binary.BigEndian.Uint16(hdr[6:8])
		handle := hdr[8:16]
		off := binary.BigEndian.Uint64(hdr[16:24])
		length := binary.BigEndian.Uint32(hdr[24:28])

		var err error
		switch cmd {
		case nbdCmdRead:
			err = sess.handleRead(handle, off, length)
		case nbdCmdWrite:
			err = sess.handleWrite(handle, off, length)
		case nbdCmdFlush:
			err = sess.handleFlush(handle)
		case nbdCmdDisc:
			return nil
		default:
			sess.log.WithField("command", cmd).Debug("unsupported command")
			err = sess.sendReply(handle, nbdErrInval, nil)
		}
		if err != nil {
			return err
		}
	}
}

func (sess *session) inBounds(off uint64, length uint32) bool {
	size := uint64(sess.export.Device.Size())
	return length <= maxRequest && off <= size && uint64(length) <= size-off
}

func (sess *session) handleRead(handle []byte, off uint64, length uint32) error {
	if !sess.inBounds(off, length) {
		return sess.sendReply(handle, nbdErrInval, nil)
	}
	data := make([]byte, length)
	sess.server.io.Lock()
	_, err := sess.export.Device.ReadAt(data, int64(off))
	sess.server.io.Unlock()
	if err != nil && err != io.EOF {
		sess.log.WithError(err).WithField("offset", off).Warn("read")
		return sess.sendReply(handle, nbdErrIO, nil)
	}
	// A short read past the physical end of the image reads as zeroes.
	return sess.sendReply(handle, nbdErrNone, data)
}

func (sess *session) handleWrite(handle []byte, off uint64, length uint32) error {
	if sess.export.ReadOnly || !sess.inBounds(off, length) {
		if _, err := io.CopyN(io.Discard, sess.conn, int64(length)); err != nil {
			return err
		}
		code := nbdErrInval
		if sess.export.ReadOnly {
			code = nbdErrPerm
		}
		return sess.sendReply(handle, code, nil)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(sess.conn, data); err != nil {
		return fmt.Errorf("reading write payload: %w", err)
	}
	sess.server.io.Lock()
	_, err := sess.export.Device.WriteAt(data, int64(off))
	sess.server.io.Unlock()
	if err != nil {
		sess.log.WithError(err).WithField("offset", off).Warn("write")
		return sess.sendReply(handle, nbdErrIO, nil)
	}
	return sess.sendReply(handle, nbdErrNone, nil)
}

func (sess *session) handleFlush(handle []byte) error {
	if sy, ok := sess.export.Device.(syncer); ok && !sess.export.ReadOnly {
		sess.server.io.Lock()
		err := sy.Sync()
		sess.server.io.Unlock()
		if err != nil {
			sess.log.WithError(err).Warn("flush")
			return sess.sendReply(handle, nbdErrIO, nil)
		}
	}
	return sess.sendReply(handle, nbdErrNone, nil)
}

func (sess *session) sendReply(handle []byte, code uint32, data []byte) error {
	reply := make([]byte, 16+len(data))
	binary.BigEndian.PutUint32(reply[0:4], nbdReplyMagicSimple)
	binary.BigEndian.PutUint32(reply[4:8], code)
	copy(reply[8:16], handle)
	copy(reply[16:], data)
	_, err := sess.conn.Write(reply)
	return err
}
