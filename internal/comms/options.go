package comms

import (
	"fmt"
	"time"

	"github.com/chaz8081/blectl/internal/ble"
	"github.com/chaz8081/blectl/internal/ble/protocol"
)

// GATT names the services and characteristics the manager looks for after
// connecting. Only CommandService/CommandChar are required; an empty UUID
// disables the corresponding feature.
type GATT struct {
	CommandService string
	CommandChar    string
	NotifyChar     string

	FileService string
	FileChar    string

	MediaService  string
	ListFilesChar string
	PlayChar      string
	DeleteChar    string
	PauseChar     string
}

// DefaultGATT returns the layout of the device server.
func DefaultGATT() GATT {
	return GATT{
		CommandService: ble.CommandServiceUUID,
		CommandChar:    ble.CommandCharUUID,
		NotifyChar:     ble.NotifyCharUUID,
		FileService:    ble.FileServiceUUID,
		FileChar:       ble.FileCharUUID,
		MediaService:   ble.MediaServiceUUID,
		ListFilesChar:  ble.ListFilesCharUUID,
		PlayChar:       ble.PlayCharUUID,
		DeleteChar:     ble.DeleteCharUUID,
		PauseChar:      ble.PauseCharUUID,
	}
}

// Recorder receives settled history entries. Errors are logged, never
// propagated.
type Recorder interface {
	RecordCommand(c Command) error
	RecordReceived(r Received) error
	RecordTransfer(t Transfer) error
}

// Options configures the Manager.
type Options struct {
	GATT           GATT
	ScanServices   []string      // scan filter; empty reports every advertiser
	ConnectTimeout time.Duration // bound on Adapter.Connect
	ChunkSize      int           // file transfer chunk size in bytes
	ChunkRate      float64       // max chunks per second; 0 is unpaced
	VerifyChunks   bool          // read back and compare each chunk's SHA-1
	MaxCommandSize int           // commands longer than this are split across writes
	WriteQueueSize int           // pending operations per session
	Recorder       Recorder      // optional history sink
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		GATT:           DefaultGATT(),
		ConnectTimeout: 10 * time.Second,
		ChunkSize:      protocol.DefaultChunkSize,
		MaxCommandSize: protocol.MaxPayloadBytes,
		WriteQueueSize: 64,
	}
}

func (o Options) withDefaults() (Options, error) {
	def := DefaultOptions()
	if o.GATT == (GATT{}) {
		o.GATT = def.GATT
	}
	if o.GATT.CommandService == "" || o.GATT.CommandChar == "" {
		return o, fmt.Errorf("comms: command service and characteristic are required")
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = def.ChunkSize
	}
	if o.ChunkSize > protocol.MaxPayloadBytes {
		return o, fmt.Errorf("comms: chunk size %d exceeds max payload %d", o.ChunkSize, protocol.MaxPayloadBytes)
	}
	if o.ChunkRate < 0 {
		return o, fmt.Errorf("comms: chunk rate must be >= 0, got %v", o.ChunkRate)
	}
	if o.MaxCommandSize <= 0 {
		o.MaxCommandSize = def.MaxCommandSize
	}
	if o.WriteQueueSize <= 0 {
		o.WriteQueueSize = def.WriteQueueSize
	}
	return o, nil
}
