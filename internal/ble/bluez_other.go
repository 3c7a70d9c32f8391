//go:build !linux

package ble

// watchPower has no power source to watch on this platform. The adapter
// reports poweredOn once Enable succeeds and poweredOff when it fails, and
// later power changes surface as scan or connect errors.
func watchPower(func(PowerState)) (stop func(), err error) {
	return func() {}, nil
}
