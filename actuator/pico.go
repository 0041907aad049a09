//go:build tinygo

package actuator

import (
	"machine"
)

// Pico pin assignments.
const (
	pinLight = machine.ADC0 // GP26
	pinLamp  = machine.GP14 // PWM7 channel A
	pwmHz    = 5000
)

// ADCSensor reads the light sensor on ADC0, scaled to 10 bits.
type ADCSensor struct {
	adc machine.ADC
}

// NewADCSensor configures ADC0.
func NewADCSensor() *ADCSensor {
	machine.InitADC()
	s := &ADCSensor{adc: machine.ADC{Pin: pinLight}}
	s.adc.Configure(machine.ADCConfig{})
	return s
}

// Read returns the reading in [0, 1023]. The ADC reports 16-bit values.
func (s *ADCSensor) Read() uint16 {
	return s.adc.Get() >> 6
}

// PWMOutput drives the lamp on GP14.
type PWMOutput struct {
	pwm *machine.PWM
	ch  uint8
	max uint32
}

// NewPWMOutput configures PWM7 at 5 kHz with full scale max.
func NewPWMOutput(max uint32) (*PWMOutput, error) {
	pwm := machine.PWM7
	if err := pwm.Configure(machine.PWMConfig{Period: 1e9 / pwmHz}); err != nil {
		return nil, err
	}
	ch, err := pwm.Channel(pinLamp)
	if err != nil {
		return nil, err
	}
	return &PWMOutput{pwm: pwm, ch: ch, max: max}, nil
}

func (o *PWMOutput) Set(duty uint32) {
	top := o.pwm.Top()
	o.pwm.Set(o.ch, uint32(uint64(top)*uint64(duty)/uint64(o.max)))
}
