//go:build !linux

package tapdev

type Device struct{}

func Open(cfg Config) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return nil, ErrNotImplemented
}

func (d *Device) Name() string { return "" }

func (d *Device) Receive(dst []byte) (int, error) { return 0, ErrNotImplemented }

func (d *Device) Transmit(frame []byte) error { return ErrNotImplemented }

func (d *Device) Close() error { return ErrNotImplemented }
