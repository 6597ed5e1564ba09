package service

// Indicator is a binary status output toggled on every response.
type Indicator interface {
	Toggle()
	IsOn() bool
}

// SoftIndicator keeps the indicator state in memory and reports changes to
// OnChange, which typically drives a GPIO.
type SoftIndicator struct {
	on       bool
	OnChange func(on bool)
}

// Set forces the indicator state.
func (ind *SoftIndicator) Set(on bool) {
	ind.on = on
	if ind.OnChange != nil {
		ind.OnChange(on)
	}
}

func (ind *SoftIndicator) Toggle() { ind.Set(!ind.on) }

func (ind *SoftIndicator) IsOn() bool { return ind.on }
