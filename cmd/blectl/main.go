// Command blectl scans for, connects to and drives BLE devices running the
// command/file-transfer server.
package main

func main() {
	Execute()
}
