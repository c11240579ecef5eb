package obd

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.bug.st/serial"
)

// transport is the subset of serial.Port the adapter uses.
type transport interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
}

// ELM327 implements Adapter for ELM327-compatible interfaces (OBDLink SX/MX,
// generic USB and Bluetooth dongles) over a serial port.
type ELM327 struct {
	portPath string
	baudRate int
	timeout  time.Duration

	mu        sync.Mutex
	port      transport
	device    string // port actually in use
	version   string
	connected bool
	supported map[byte]bool // advertised mode 01 PIDs
	rest      []byte        // bytes read past the last prompt
}

// ELM327Config holds connection configuration for the ELM327 adapter.
type ELM327Config struct {
	PortPath string        // empty means auto-discover
	BaudRate int           // 38400 for most USB adapters, 115200 for OBDLink
	Timeout  time.Duration // per-command response timeout
}

const (
	elmPrompt     = '>'
	readSlice     = 50 * time.Millisecond
	resetTimeout  = 3 * time.Second
	searchTimeout = 6 * time.Second // first query may trigger protocol search
	drainTimeout  = 500 * time.Millisecond
)

// elmInit is sent after ATZ. Echo, linefeeds, spaces and headers off, then
// automatic protocol selection.
var elmInit = []string{"ATE0", "ATL0", "ATS0", "ATH0", "ATSP0"}

// to allow testing
var (
	openPort = func(path string, baud int) (transport, error) {
		port, err := serial.Open(path, &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		})
		if err != nil {
			return nil, err
		}
		return port, nil
	}
	listPorts = serial.GetPortsList
)

// NewELM327 creates an ELM327 adapter.
func NewELM327(cfg ELM327Config) *ELM327 {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = time.Second
	}
	return &ELM327{
		portPath: cfg.PortPath,
		baudRate: cfg.BaudRate,
		timeout:  cfg.Timeout,
	}
}

func (e *ELM327) Name() string { return "ELM327" }

// Device returns the serial device in use, empty when not connected.
func (e *ELM327) Device() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Connect opens the configured port, or tries every discovered serial port
// in turn, and runs the ELM327 init sequence followed by a supported-PID scan.
func (e *ELM327) Connect() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	candidates := []string{e.portPath}
	if e.portPath == "" {
		ports, err := listPorts()
		if err != nil {
			return errors.Wrap(err, "elm327: list serial ports")
		}
		if len(ports) == 0 {
			return errors.New("elm327: no serial ports found")
		}
		candidates = rankPorts(ports)
	}

	var lastErr error
	for _, path := range candidates {
		port, err := openPort(path, e.baudRate)
		if err != nil {
			lastErr = errors.Wrapf(err, "elm327: open %s", path)
			log.WithFields(log.Fields{"port": path, "err": err}).Debug("elm327 open failed")
			continue
		}
		if err := port.SetReadTimeout(readSlice); err != nil {
			port.Close()
			lastErr = errors.Wrapf(err, "elm327: set timeout on %s", path)
			continue
		}
		e.port = port
		if err := e.initialize(); err != nil {
			port.Close()
			e.port = nil
			lastErr = errors.Wrapf(err, "elm327: init %s", path)
			log.WithFields(log.Fields{"port": path, "err": err}).Debug("elm327 init failed")
			continue
		}
		e.device = path
		e.connected = true
		log.WithFields(log.Fields{
			"port":      path,
			"baud":      e.baudRate,
			"version":   e.version,
			"supported": len(e.supported),
		}).Info("elm327 connected")
		return nil
	}
	return lastErr
}

// rankPorts puts the device names adapters usually enumerate as first.
func rankPorts(ports []string) []string {
	rank := func(p string) int {
		switch {
		case strings.Contains(p, "ttyUSB"), strings.Contains(p, "ttyACM"):
			return 0
		case strings.Contains(p, "rfcomm"), strings.Contains(p, "usbserial"), strings.Contains(p, "COM"):
			return 1
		default:
			return 2
		}
	}
	out := append([]string(nil), ports...)
	sort.SliceStable(out, func(i, j int) bool { return rank(out[i]) < rank(out[j]) })
	return out
}

func (e *ELM327) initialize() error {
	e.drain()

	resp, err := e.command("ATZ", resetTimeout)
	if err != nil {
		return errors.Wrap(err, "reset")
	}
	if !strings.Contains(resp, "ELM") {
		return errors.Wrapf(ErrMalformed, "reset: unexpected reply %q", resp)
	}
	e.version = bannerLine(resp)

	for _, at := range elmInit {
		resp, err := e.command(at, e.timeout)
		if err != nil {
			return errors.Wrap(err, at)
		}
		if !strings.Contains(resp, "OK") {
			return errors.Wrapf(ErrMalformed, "%s: unexpected reply %q", at, resp)
		}
	}
	return e.loadSupported()
}

// loadSupported reads the mode 01 bitmaps (0100, 0120, 0140, ...). Each map
// covers the next 32 PIDs; the last bit says whether another map follows.
func (e *ELM327) loadSupported() error {
	e.supported = make(map[byte]bool)
	timeout := searchTimeout
	for base := 0x00; base <= 0xC0; base += 0x20 {
		data, err := e.request([]byte{0x01, byte(base)}, 4, timeout)
		if err != nil {
			if base == 0 {
				return errors.Wrap(err, "vehicle did not answer 0100")
			}
			break
		}
		timeout = e.timeout
		for i := 0; i < 32; i++ {
			if data[i/8]&(0x80>>(i%8)) != 0 {
				e.supported[byte(base+i+1)] = true
			}
		}
		if !e.supported[byte(base+0x20)] {
			break
		}
	}
	return nil
}

// IsConnected reports whether the port is open and the last I/O succeeded.
func (e *ELM327) IsConnected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Supports reports whether the ECU advertised the PID. Bitmap PIDs are
// always supported.
func (e *ELM327) Supports(cmd StandardCommand) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cmd.PID.Mode != 0x01 {
		return true
	}
	if cmd.PID.Code%0x20 == 0 {
		return true
	}
	return e.supported[cmd.PID.Code]
}

// Query sends one command and decodes its response.
func (e *ELM327) Query(cmd Command) (*Quantity, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.connected {
		return nil, &QueryError{Command: cmd.Name(), Err: ErrNotConnected}
	}

	data, err := e.request(cmd.Request(), cmd.ResponseLen(), e.timeout)
	if err != nil {
		return nil, &QueryError{Command: cmd.Name(), Err: err}
	}

	switch c := cmd.(type) {
	case StandardCommand:
		return &Quantity{Magnitude: c.PID.Decode(data), Unit: c.PID.Unit}, nil
	case ExtendedCommand:
		return &Quantity{Magnitude: c.DecodeFn(data)}, nil
	default:
		return nil, &QueryError{Command: cmd.Name(), Err: errors.Errorf("unknown command type %T", cmd)}
	}
}

// Close cleanly shuts down the serial connection.
func (e *ELM327) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.connected = false
	e.device = ""
	e.rest = nil
	if e.port == nil {
		return nil
	}
	err := e.port.Close()
	e.port = nil
	return err
}

// request sends a hex request and returns the data bytes that follow the
// response header. A late reply to an earlier request is skipped while time
// remains.
func (e *ELM327) request(req []byte, n int, timeout time.Duration) ([]byte, error) {
	line := strings.ToUpper(hex.EncodeToString(req))
	deadline := time.Now().Add(timeout)
	resp, err := e.command(line, timeout)
	for err == nil {
		data, perr := parseResponse(resp, req, n)
		var other *unmatchedReply
		if !errors.As(perr, &other) || !time.Now().Before(deadline) {
			return data, perr
		}
		log.WithField("request", line).Debug("elm327 skipped reply to an earlier request")
		resp, err = e.readPrompt(line, deadline, timeout)
	}
	return nil, err
}

// command flushes stale input, writes one line and reads until the prompt.
func (e *ELM327) command(line string, timeout time.Duration) (string, error) {
	if e.port == nil {
		return "", ErrNotConnected
	}
	e.rest = nil
	if err := e.port.ResetInputBuffer(); err != nil {
		e.lost(err)
		return "", errors.Wrap(err, "reset input")
	}
	if _, err := e.port.Write([]byte(line + "\r")); err != nil {
		e.lost(err)
		return "", errors.Wrap(err, "write")
	}
	return e.readPrompt(line, time.Now().Add(timeout), timeout)
}

// readPrompt returns everything up to the next prompt. Bytes after it are
// kept for the following read.
func (e *ELM327) readPrompt(line string, deadline time.Time, timeout time.Duration) (string, error) {
	resp := e.rest
	e.rest = nil
	buf := make([]byte, 128)
	for {
		if i := bytes.IndexByte(resp, elmPrompt); i >= 0 {
			e.rest = append([]byte(nil), resp[i+1:]...)
			return string(resp[:i]), nil
		}
		if !time.Now().Before(deadline) {
			return "", errors.Wrapf(ErrTimeout, "%s after %v", line, timeout)
		}
		n, err := e.port.Read(buf)
		if err != nil {
			e.lost(err)
			return "", errors.Wrap(err, "read")
		}
		resp = append(resp, buf[:n]...)
	}
}

// lost marks the adapter as gone after a transport error.
func (e *ELM327) lost(err error) {
	if e.connected {
		log.WithFields(log.Fields{"port": e.device, "err": err}).Warn("elm327 transport error")
	}
	e.connected = false
}

// drain discards boot banners or stale output.
func (e *ELM327) drain() {
	if err := e.port.ResetInputBuffer(); err != nil {
		log.WithFields(log.Fields{"port": e.device, "err": err}).Debug("elm327 input reset failed")
	}
	buf := make([]byte, 256)
	total := 0
	deadline := time.Now().Add(drainTimeout)
	for time.Now().Before(deadline) {
		n, _ := e.port.Read(buf)
		if n == 0 {
			break
		}
		total += n
	}
	if total > 0 {
		log.WithField("bytes", total).Debug("elm327 drained stale output")
	}
}

// bannerLine picks the version line out of the ATZ reply, which may still
// carry the echoed command.
func bannerLine(resp string) string {
	for _, line := range strings.FieldsFunc(resp, func(r rune) bool { return r == '\r' || r == '\n' }) {
		if line = strings.TrimSpace(line); strings.Contains(line, "ELM") {
			return line
		}
	}
	return strings.TrimSpace(resp)
}

// unmatchedReply means the adapter answered, but not to this request.
type unmatchedReply struct{ req []byte }

func (u *unmatchedReply) Error() string { return fmt.Sprintf("no reply matching % X", u.req) }
func (u *unmatchedReply) Unwrap() error { return ErrMalformed }

// parseResponse finds the first line answering req and returns exactly n
// data bytes. With headers off a positive reply is (mode+0x40) followed by
// the echoed PID bytes and the data.
func parseResponse(resp string, req []byte, n int) ([]byte, error) {
	resp = strings.ReplaceAll(resp, "\n", "\r")
	var sawHex bool
	for _, line := range strings.Split(resp, "\r") {
		line = strings.TrimSpace(line)
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "SEARCHING"), strings.HasPrefix(line, "BUS INIT"):
			continue
		case strings.Contains(line, "NO DATA"), strings.Contains(line, "UNABLE TO CONNECT"),
			strings.Contains(line, "STOPPED"), strings.Contains(line, "CAN ERROR"),
			strings.Contains(line, "BUS ERROR"):
			return nil, errors.Wrap(ErrNoData, line)
		case line == "?":
			return nil, errors.Wrap(ErrMalformed, "adapter rejected request")
		}

		raw, err := hex.DecodeString(strings.ReplaceAll(line, " ", ""))
		if err != nil || len(raw) == 0 {
			continue
		}
		sawHex = true
		if raw[0] == 0x7F {
			return nil, errors.Wrapf(ErrNoData, "negative response % X", raw)
		}
		if raw[0] != req[0]+0x40 || len(raw) < len(req) || !bytes.Equal(raw[1:len(req)], req[1:]) {
			continue
		}
		data := raw[len(req):]
		if len(data) != n {
			return nil, errors.Wrapf(ErrLengthMismatch, "got %d bytes, want %d", len(data), n)
		}
		return data, nil
	}
	if sawHex {
		return nil, &unmatchedReply{req: req}
	}
	return nil, errors.Wrapf(ErrMalformed, "unparseable response %q", resp)
}
