//go:build tinygo

package main

import "machine"

const (
	// Sampling configuration
	NUM_SAMPLES        = 16 // ADC conversions averaged per R request
	SAMPLE_INTERVAL_US = 50 // Delay between conversions in microseconds

	// ADC configuration
	ADC_REFERENCE_MV = 3300 // Reference voltage in millivolts (3.3V)
	ADC_RESOLUTION   = 12   // ADC resolution in bits (12-bit = 0-4095)

	// Stimulus limits
	MIN_FREQUENCY_HZ = 100
	MAX_FREQUENCY_HZ = 1000000
	DUTY_SCALE       = 1000000 // Duty is sent in parts per million

	// Square-wave output driving the sensing network (TCC0)
	PIN_STIMULUS = machine.D2

	// Peak detector output
	PIN_ADC = machine.A1

	// Lit while the stimulus runs
	PIN_LED = machine.LED

	// Serial configuration
	// Replies are at most "4294967295,1234567890123,4095\n" = 30 bytes, one
	// per R request, so the rate is set by the host.
	UART_BAUD_RATE = 115200
)
