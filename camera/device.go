package camera

import (
	"fmt"

	"gige-streamer/config"
	"gige-streamer/device"
	"gige-streamer/pixfmt"

	"go.uber.org/zap"
)

// DeviceKindSimulated selects the software camera
const DeviceKindSimulated = "simulated"

// OpenDevice creates the camera described by cfg. Every configured stream
// gets one device channel, in order.
func OpenDevice(cfg *config.Config, logger *zap.Logger) (device.Device, error) {
	switch cfg.Device.Kind {
	case "", DeviceKindSimulated:
		return newSimulated(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unsupported device kind %q", cfg.Device.Kind)
	}
}

func newSimulated(cfg *config.Config, logger *zap.Logger) *device.Simulated {
	sim := cfg.Device.Simulated

	payload := device.ParsePayloadType(sim.Payload)
	if payload == device.PayloadUnknown {
		payload = device.PayloadMultipart
	}

	opts := device.SimulatedOptions{
		FPS:            sim.FPS,
		FailEvery:      sim.FailEvery,
		ROIChangeAfter: sim.ROIChangeAfter,
	}
	if cfg.Trigger.SoftwareRate > 0 {
		opts.FPS = 0
		logger.Info("Software trigger enabled, free running acquisition disabled",
			zap.Float64("rate", cfg.Trigger.SoftwareRate))
	}

	for _, st := range cfg.Streams {
		ch := device.SimulatedChannelConfig{Payload: payload}
		for i, sub := range st.Substreams {
			// A single image payload only carries the first substream
			if payload != device.PayloadMultipart && i > 0 {
				break
			}
			bpp, _ := pixfmt.BitsPerPixel(sub.PixelFormat)
			ch.Parts = append(ch.Parts, device.SimulatedPart{
				Region: device.Region{
					X:      sub.ROI.X,
					Y:      sub.ROI.Y,
					Width:  sub.ROI.Width,
					Height: sub.ROI.Height,
				},
				PixelFormat:  sub.PixelFormat,
				BitsPerPixel: bpp,
			})
		}
		opts.Channels = append(opts.Channels, ch)
	}

	logger.Info("Using simulated camera",
		zap.String("name", cfg.Device.Name),
		zap.String("serial", cfg.Device.Serial),
		zap.Stringer("payload", payload),
		zap.Int("channels", len(opts.Channels)))
	return device.NewSimulated(opts, logger)
}
