// SPDX-License-Identifier: MIT

// nvinfo reports the GPU encoder surface of this host: usable devices and
// the probed capability set per codec. With -serve it keeps running and
// exposes the diagnostics HTTP endpoints.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/screenflux/screenflux/internal/config"
	"github.com/screenflux/screenflux/internal/diag"
	"github.com/screenflux/screenflux/internal/log"
	"github.com/screenflux/screenflux/internal/nvidia"
)

var version = "dev"

var (
	codecsFlag = flag.String("codecs", "h264,h265", "comma-separated codecs to probe")
	jsonFlag   = flag.Bool("json", false, "emit the report as JSON")
	serveFlag  = flag.String("serve", "", "keep running and serve diagnostics on this address, e.g. :8099")
	prefsFlag  = flag.String("prefs", "", "device preferences file (default: devices.yaml in the conf dirs)")
)

type report struct {
	Timestamp    time.Time           `json:"timestamp"`
	Devices      []nvidia.DeviceInfo `json:"devices"`
	Capabilities []nvidia.Capability `json:"capabilities"`
	Errors       map[string]string   `json:"errors,omitempty"`
}

func main() {
	flag.Parse()
	log.Configure(log.Config{Service: "nvinfo"})

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "nvinfo: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	driver, api, err := nvidia.DefaultDriver()
	if err != nil {
		return err
	}

	var prefs config.DevicePrefs
	if *prefsFlag != "" {
		prefs, err = config.LoadDevicePrefs(*prefsFlag)
	} else {
		prefs, err = config.DevicePrefsFromEnv()
	}
	if err != nil {
		return fmt.Errorf("device preferences: %w", err)
	}

	reg := nvidia.NewRegistry(driver, prefs, config.FromEnv())
	probe := nvidia.NewProbe(reg, api)

	rep := report{Timestamp: time.Now(), Errors: make(map[string]string)}
	for _, id := range reg.Enumerate() {
		if info, ok := reg.Info(id); ok {
			rep.Devices = append(rep.Devices, info)
		}
		for _, codec := range strings.Split(*codecsFlag, ",") {
			codec = strings.TrimSpace(codec)
			if codec == "" {
				continue
			}
			cap, err := probe.Probe(id, codec)
			if err != nil {
				rep.Errors[fmt.Sprintf("%d/%s", id, codec)] = err.Error()
				continue
			}
			rep.Capabilities = append(rep.Capabilities, cap)
		}
	}

	if *jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
	} else {
		printReport(rep)
	}

	if *serveFlag != "" {
		srv := diag.NewServer(reg, probe, version)
		logger := log.Base()
		logger.Info().Str("addr", *serveFlag).Msg("serving diagnostics")
		return http.ListenAndServe(*serveFlag, srv.Router())
	}
	return nil
}

func printReport(rep report) {
	if len(rep.Devices) == 0 {
		fmt.Println("no usable devices")
	}
	for _, d := range rep.Devices {
		fmt.Printf("device %d: %s (%s) SM %d.%d, %d MB\n",
			d.ID, d.Name, d.PCIBusID, d.ComputeMajor, d.ComputeMinor, d.TotalMemory>>20)
	}
	for _, cap := range rep.Capabilities {
		presets := make([]string, 0, len(cap.Presets))
		for _, p := range cap.Presets {
			presets = append(presets, p.Name)
		}
		fmt.Printf("  %s on device %d: max %dx%d yuv444=%v lossless=%v presets=%s\n",
			cap.Codec.Name, cap.Device, cap.Caps.MaxWidth, cap.Caps.MaxHeight,
			cap.Caps.YUV444, cap.Caps.Lossless, strings.Join(presets, ","))
	}
	for key, msg := range rep.Errors {
		fmt.Printf("  probe %s failed: %s\n", key, msg)
	}
}
