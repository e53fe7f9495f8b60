//go:build tinygo

//go:generate tinygo flash -target=xiao

package main

import (
	"machine"
	"time"
)

var (
	adcSensor machine.ADC
	uart      = machine.UART0
	pwm       = machine.TCC0
	pwmCh     uint8

	running bool
	boot    time.Time

	// Serial buffer for reading lines
	serialBuffer [24]byte
	serialPos    int
)

func main() {
	PIN_LED.Configure(machine.PinConfig{Mode: machine.PinOutput})
	PIN_LED.Low()

	// Configure ADC pin and set up ADC with highest resolution
	PIN_ADC.Configure(machine.PinConfig{Mode: machine.PinInput})
	adcSensor = machine.ADC{Pin: PIN_ADC}
	adcSensor.Configure(machine.ADCConfig{
		Reference:  ADC_REFERENCE_MV,
		Resolution: ADC_RESOLUTION,
	})

	// Stimulus starts stopped at 50kHz
	if err := pwm.Configure(machine.PWMConfig{Period: periodNanos(50000)}); err != nil {
		println("E,pwm", err.Error())
	}
	ch, err := pwm.Channel(PIN_STIMULUS)
	if err != nil {
		println("E,pwm", err.Error())
	}
	pwmCh = ch
	pwm.Set(pwmCh, 0)

	uart.Configure(machine.UARTConfig{
		BaudRate: UART_BAUD_RATE,
	})

	boot = time.Now()

	for {
		processSerial()
		// Small delay to prevent tight loop
		time.Sleep(100 * time.Microsecond)
	}
}

func processSerial() {
	for uart.Buffered() > 0 {
		data, err := uart.ReadByte()
		if err != nil {
			break
		}

		if data == '\n' || data == '\r' {
			if serialPos > 0 {
				handleCommand(serialBuffer[:serialPos])
			}
			serialPos = 0
			continue
		}

		// Ignore whitespace
		if data == ' ' || data == '\t' {
			continue
		}

		if serialPos < len(serialBuffer) {
			serialBuffer[serialPos] = data
			serialPos++
		} else {
			// Overlong line - drop it
			serialPos = 0
		}
	}
}

func handleCommand(cmd []byte) {
	switch cmd[0] {
	case 'S':
		freq, duty, ok := parseStart(cmd[1:])
		if !ok {
			return
		}
		startStimulus(freq, duty)
	case 'X':
		stopStimulus()
	case 'R':
		// The host matches replies to requests by sequence number.
		seq, ok := parseUint(cmd[1:])
		if !ok || len(cmd) == 1 {
			return
		}
		if !running {
			print("E,", seq, ",not running\n")
			return
		}
		outputReading(seq)
	}
}

// parseStart parses "<frequency_hz>,<duty_ppm>".
func parseStart(args []byte) (freq, duty uint32, ok bool) {
	comma := -1
	for i, c := range args {
		if c == ',' {
			comma = i
			break
		}
	}
	if comma <= 0 || comma == len(args)-1 {
		return 0, 0, false
	}

	freq, ok = parseUint(args[:comma])
	if !ok || freq < MIN_FREQUENCY_HZ || freq > MAX_FREQUENCY_HZ {
		return 0, 0, false
	}
	duty, ok = parseUint(args[comma+1:])
	if !ok || duty == 0 || duty >= DUTY_SCALE {
		return 0, 0, false
	}
	return freq, duty, true
}

func parseUint(digits []byte) (uint32, bool) {
	var v uint32
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, false
		}
		v = v*10 + uint32(c-'0')
	}
	return v, true
}

func periodNanos(freq uint32) uint64 {
	return 1e9 / uint64(freq)
}

func startStimulus(freq, duty uint32) {
	if err := pwm.SetPeriod(periodNanos(freq)); err != nil {
		print("E,", err.Error(), "\n")
		return
	}
	top := uint64(pwm.Top())
	pwm.Set(pwmCh, uint32(top*uint64(duty)/DUTY_SCALE))
	running = true
	PIN_LED.High()
}

func stopStimulus() {
	pwm.Set(pwmCh, 0)
	running = false
	PIN_LED.Low()
}

// outputReading averages NUM_SAMPLES conversions of the peak detector.
func outputReading(seq uint32) {
	var sum uint32
	for range NUM_SAMPLES {
		// Get returns a 16-bit left-aligned value regardless of resolution.
		sum += uint32(adcSensor.Get() >> (16 - ADC_RESOLUTION))
		time.Sleep(SAMPLE_INTERVAL_US * time.Microsecond)
	}
	avg := uint16(sum / NUM_SAMPLES)

	// No RTC on the board: report uptime, the host stamps wall time.
	// Output format: "seq,uptime_micros,adc\n"
	// Example: "7,1234567890,2048\n"
	print(seq, ",", time.Since(boot).Microseconds(), ",", avg, "\n")
}
