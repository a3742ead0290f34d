package cmd

import (
	"fmt"

	"github.com/fatih/color"

	"github.com/quillon/liveagent/internal/capture"
)

// PrintDevices renders the host audio device table on stdout. It runs
// standalone so device problems are visible without a config file.
func PrintDevices() error {
	devices, err := capture.ListDevices()
	if err != nil {
		return fmt.Errorf("failed to enumerate audio devices: %w", err)
	}

	if len(devices) == 0 {
		fmt.Println("No audio devices found.")

		return nil
	}

	idColor := color.New(color.FgCyan)
	defaultColor := color.New(color.FgGreen, color.Bold)

	fmt.Printf("Available audio devices (%d):\n\n", len(devices))
	for _, dev := range devices {
		marker := ""
		switch {
		case dev.DefaultInput && dev.DefaultOutput:
			marker = " " + defaultColor.Sprint("[default input+output]")
		case dev.DefaultInput:
			marker = " " + defaultColor.Sprint("[default input]")
		case dev.DefaultOutput:
			marker = " " + defaultColor.Sprint("[default output]")
		}

		fmt.Printf("%s %s%s\n", idColor.Sprintf("[%d]", dev.ID), dev.Name, marker)
		fmt.Printf("    Type: %s\n", dev.Type())
		fmt.Printf("    Channels: %d in / %d out\n", dev.MaxInputChannels, dev.MaxOutputChannels)
		fmt.Printf("    Default sample rate: %.0f Hz\n\n", dev.DefaultSampleRate)
	}

	return nil
}
