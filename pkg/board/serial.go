package board

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/itohio/gosoil/pkg/transfer"
	"github.com/rs/zerolog/log"
	"go.bug.st/serial"
)

const (
	// DefaultBaudRate is the standard baud rate for XIAO SAMD21.
	DefaultBaudRate = 115200
	// DefaultReadTimeout bounds how long Read waits for the board to reply.
	DefaultReadTimeout = time.Second
	// ADCMax is the full-scale value of the 12-bit ADC.
	ADCMax = 4095
)

// Port represents a serial port.
type Port struct {
	Name        string
	Description string
}

// SerialOptions configures the board link.
type SerialOptions struct {
	BaudRate    int
	UPlus       float64       // Stimulus high level, used to tag samples (V)
	VRef        float64       // ADC reference voltage (V)
	ReadTimeout time.Duration // Reply timeout for a read request
}

// Serial talks to the sensor board firmware over a serial line.
//
// Host to board:
//
//	S<frequency_hz>,<duty_ppm>\n  start the stimulus
//	X\n                           stop the stimulus
//	R<seq>\n                      request one averaged peak reading
//
// Board to host:
//
//	<seq>,<uptime_micros>,<adc>\n reading (12-bit ADC)
//	E,<seq>,<reason>\n            read rejected
//
// Replies whose sequence number does not match the pending request are
// late answers to an abandoned read and are discarded. The board has no
// real-time clock, so samples are stamped with host time on receipt.
type Serial struct {
	port string
	opts SerialOptions

	open func(port string, baudRate int) (io.ReadWriteCloser, error)
	now  func() time.Time

	conn      io.ReadWriteCloser
	replies   chan reply
	mu        sync.RWMutex
	reqMu     sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	connected bool
	running   bool
	active    transfer.Stimulus
	seq       uint32 // Last read request; guarded by reqMu
}

type reply struct {
	seq      uint32
	received time.Time
	uptime   time.Duration
	adc      uint16
	err      error
}

// NewSerial creates a board link for the given port.
func NewSerial(port string, opts SerialOptions) *Serial {
	if opts.BaudRate == 0 {
		opts.BaudRate = DefaultBaudRate
	}
	if opts.ReadTimeout == 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if opts.VRef == 0 {
		opts.VRef = 3.3
	}

	return &Serial{
		port:    port,
		opts:    opts,
		open:    openSerial,
		now:     time.Now,
		replies: make(chan reply, 8),
	}
}

func openSerial(port string, baudRate int) (io.ReadWriteCloser, error) {
	return serial.Open(port, &serial.Mode{BaudRate: baudRate})
}

// Ports returns a list of available serial ports.
func Ports() ([]Port, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list serial ports: %w", err)
	}

	result := make([]Port, 0, len(ports))
	for _, name := range ports {
		result = append(result, Port{Name: name, Description: name})
	}
	return result, nil
}

// Connect opens the serial port and starts reading replies.
func (d *Serial) Connect() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.connected {
		return fmt.Errorf("already connected")
	}

	conn, err := d.open(d.port, d.opts.BaudRate)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", d.port, err)
	}

	d.conn = conn
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.connected = true
	d.running = false

	go d.readReplies(d.ctx, conn)

	return nil
}

// Close stops the stimulus and closes the port.
func (d *Serial) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return nil
	}

	if d.running {
		if err := d.write("X\n"); err != nil {
			log.Warn().Err(err).Str("port", d.port).Msg("Failed to stop stimulus before closing")
		}
		d.running = false
	}

	d.cancel()
	if err := d.conn.Close(); err != nil {
		log.Warn().Err(err).Str("port", d.port).Msg("Error closing serial port")
	}
	d.conn = nil
	d.connected = false

	return nil
}

// IsConnected returns whether the port is open.
func (d *Serial) IsConnected() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.connected
}

// Start starts the stimulus at the given frequency (Hz) and duty cycle (0..1).
func (d *Serial) Start(frequency, duty float64) error {
	if err := checkStimulus(frequency, duty); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected {
		return fmt.Errorf("not connected")
	}

	cmd := fmt.Sprintf("S%d,%d\n", int64(math.Round(frequency)), int64(math.Round(duty*1e6)))
	if err := d.write(cmd); err != nil {
		return fmt.Errorf("failed to send start command: %w", err)
	}

	d.running = true
	d.active = transfer.Stimulus{UPlus: d.opts.UPlus, Period: 1 / frequency, Duty: duty}
	return nil
}

// Stop stops the stimulus. Calling it while stopped or disconnected is a no-op.
func (d *Serial) Stop() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.connected || !d.running {
		d.running = false
		return nil
	}

	if err := d.write("X\n"); err != nil {
		return fmt.Errorf("failed to send stop command: %w", err)
	}
	d.running = false
	return nil
}

// Read requests one reading and waits for the reply.
func (d *Serial) Read(ctx context.Context) (RawSample, error) {
	d.reqMu.Lock()
	defer d.reqMu.Unlock()

	d.mu.RLock()
	connected, running, active, linkCtx := d.connected, d.running, d.active, d.ctx
	d.mu.RUnlock()

	if !connected {
		return RawSample{}, fmt.Errorf("%w: not connected", ErrSamplerFault)
	}
	if !running {
		return RawSample{}, fmt.Errorf("%w: stimulus not running", ErrSamplerFault)
	}

	// Drop replies to earlier, abandoned requests.
	for drained := false; !drained; {
		select {
		case <-d.replies:
		default:
			drained = true
		}
	}

	d.seq++
	seq := d.seq

	d.mu.RLock()
	err := d.write(fmt.Sprintf("R%d\n", seq))
	d.mu.RUnlock()
	if err != nil {
		return RawSample{}, fmt.Errorf("%w: %v", ErrSamplerFault, err)
	}

	timer := time.NewTimer(d.opts.ReadTimeout)
	defer timer.Stop()

	for {
		select {
		case r := <-d.replies:
			if r.seq != seq {
				log.Debug().Uint32("seq", r.seq).Uint32("want", seq).Msg("Discarding late reply")
				continue
			}
			if r.err != nil {
				return RawSample{}, fmt.Errorf("%w: %v", ErrSamplerFault, r.err)
			}
			return RawSample{
				Timestamp: r.received,
				Voltage:   adcToVoltage(r.adc, d.opts.VRef),
				Stimulus:  active,
				BoardTime: r.uptime,
			}, nil
		case <-timer.C:
			return RawSample{}, fmt.Errorf("%w: no reply within %v", ErrSamplerFault, d.opts.ReadTimeout)
		case <-linkCtx.Done():
			return RawSample{}, fmt.Errorf("%w: link closed", ErrSamplerFault)
		case <-ctx.Done():
			return RawSample{}, ctx.Err()
		}
	}
}

// write sends a command; callers hold d.mu.
func (d *Serial) write(cmd string) error {
	if d.conn == nil {
		return fmt.Errorf("not connected")
	}
	_, err := io.WriteString(d.conn, cmd)
	return err
}

// readReplies reads lines from the port and forwards parsed replies.
func (d *Serial) readReplies(ctx context.Context, conn io.Reader) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Panic in readReplies")
		}
	}()

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		r, err := parseLine(line)
		if err != nil {
			log.Warn().Err(err).Str("line", line).Msg("Failed to parse board reply")
			continue
		}
		r.received = d.now()

		select {
		case d.replies <- r:
		case <-ctx.Done():
			return
		default:
			log.Warn().Msg("Reply channel full, dropping reply")
		}
	}

	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		log.Warn().Err(err).Str("port", d.port).Msg("Error reading from serial port")
	}
}

// parseLine parses a board reply.
// Format: seq,uptime_micros,adc  or  E,seq,reason
// Example: 7,1234567890,2048
func parseLine(line string) (reply, error) {
	parts := strings.SplitN(line, ",", 3)
	if len(parts) != 3 {
		return reply{}, fmt.Errorf("invalid line format: expected 3 comma-separated values, got %d", len(parts))
	}

	if parts[0] == "E" {
		seq, err := parseSeq(parts[1])
		if err != nil {
			return reply{}, err
		}
		return reply{seq: seq, err: fmt.Errorf("board rejected read: %s", parts[2])}, nil
	}

	seq, err := parseSeq(parts[0])
	if err != nil {
		return reply{}, err
	}

	uptimeMicros, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil || uptimeMicros < 0 {
		return reply{}, fmt.Errorf("invalid uptime %q", parts[1])
	}

	adc, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return reply{}, fmt.Errorf("invalid reading: %w", err)
	}
	if adc > ADCMax {
		return reply{}, fmt.Errorf("reading out of range: %d (max %d)", adc, ADCMax)
	}

	return reply{
		seq:    seq,
		uptime: time.Duration(uptimeMicros) * time.Microsecond,
		adc:    uint16(adc),
	}, nil
}

func parseSeq(s string) (uint32, error) {
	seq, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid sequence number: %w", err)
	}
	return uint32(seq), nil
}

// adcToVoltage converts a 12-bit ADC reading to voltage.
func adcToVoltage(adc uint16, vref float64) float64 {
	return (float64(adc) / ADCMax) * vref
}

// voltageToADC converts a voltage to the nearest 12-bit ADC code, clamped to
// the converter's range.
func voltageToADC(v, vref float64) uint16 {
	code := math.Round(v / vref * ADCMax)
	if code < 0 {
		return 0
	}
	if code > ADCMax {
		return ADCMax
	}
	return uint16(code)
}
