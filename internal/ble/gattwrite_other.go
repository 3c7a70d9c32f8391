//go:build !linux

package ble

// Write sends data as a GATT write request and returns after the
// peripheral's write response.
func (c *radioCharacteristic) Write(data []byte) error {
	_, err := c.char.Write(data)
	return err
}
