package main

import (
	"fmt"

	"github.com/chaz8081/blectl/internal/comms"
	"github.com/chaz8081/blectl/internal/device"
)

func formatDevice(d device.Device) string {
	star := " "
	if d.IsPriority {
		star = "*"
	}
	rssi := "   -"
	if d.RSSI != 0 {
		rssi = fmt.Sprintf("%4d", d.RSSI)
	}
	line := fmt.Sprintf("%s %-24s %s dBm  %s", star, d.DisplayName(), rssi, d.ID)
	if d.State != device.StateIdle {
		line += " [" + d.State.String() + "]"
	}
	return line
}

func formatTransfer(t comms.Transfer) string {
	line := fmt.Sprintf("%s %s %3.0f%% (%d/%d bytes)", t.Name, t.Status, t.Progress()*100, t.BytesSent, t.Size)
	if t.Err != nil {
		line += ": " + t.Err.Error()
	}
	return line
}

func formatCommand(c comms.Command) string {
	if c.Marker {
		return fmt.Sprintf("#%d %s", c.Seq, c.Text)
	}
	return fmt.Sprintf("#%d > %s [%s]", c.Seq, c.Text, c.Status)
}
