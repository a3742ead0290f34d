package capture

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// DeviceInfo describes one audio endpoint visible to the host API.
type DeviceInfo struct {
	ID                int
	Name              string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
	DefaultInput      bool
	DefaultOutput     bool
}

// Type labels the device by the directions it supports.
func (d DeviceInfo) Type() string {
	switch {
	case d.MaxInputChannels > 0 && d.MaxOutputChannels > 0:
		return "Input/Output"
	case d.MaxInputChannels > 0:
		return "Input"
	case d.MaxOutputChannels > 0:
		return "Output"
	default:
		return "None"
	}
}

// ListDevices enumerates every audio device with the host defaults marked.
// It owns its Initialize/Terminate pairing, so callers need no prior audio
// setup.
func ListDevices() ([]DeviceInfo, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("initialize audio host: %w", err)
	}
	defer func() { _ = portaudio.Terminate() }()

	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("enumerate audio devices: %w", err)
	}

	// The host bindings return fresh structs per call, so defaults are
	// matched by name rather than identity.
	defaultInput := ""
	if info, err := portaudio.DefaultInputDevice(); err == nil {
		defaultInput = info.Name
	}
	defaultOutput := ""
	if info, err := portaudio.DefaultOutputDevice(); err == nil {
		defaultOutput = info.Name
	}

	infos := make([]DeviceInfo, 0, len(devices))
	for i, dev := range devices {
		infos = append(infos, DeviceInfo{
			ID:                i,
			Name:              dev.Name,
			MaxInputChannels:  dev.MaxInputChannels,
			MaxOutputChannels: dev.MaxOutputChannels,
			DefaultSampleRate: dev.DefaultSampleRate,
			DefaultInput:      dev.Name == defaultInput && dev.MaxInputChannels > 0,
			DefaultOutput:     dev.Name == defaultOutput && dev.MaxOutputChannels > 0,
		})
	}
	return infos, nil
}
