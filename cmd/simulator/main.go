package main

import (
	"context"
	"flag"
	"log"
	"math"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/KevinKickass/OpenSolarCollector/internal/modbus"
	"github.com/KevinKickass/OpenSolarCollector/internal/profiles"
	"github.com/KevinKickass/OpenSolarCollector/internal/settings"
	"github.com/KevinKickass/OpenSolarCollector/internal/types"
	"go.uber.org/zap"
)

// simulator serves a Modbus TCP gateway with a few inverters behind it for
// bench tests without hardware.
func main() {
	listen := flag.String("listen", "127.0.0.1:5020", "listen address")
	units := flag.String("units", "1-3", "unit ids to simulate")
	silent := flag.String("silent", "", "unit ids that never answer")
	profile := flag.String("profile", "", "register map profile to serve (default layout when empty)")
	profileDir := flag.String("profiles", "./profiles", "profile directory")
	peak := flag.Float64("peak", 3000, "peak power per inverter in W")
	update := flag.Duration("update", time.Second, "register update period")
	flag.Parse()

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer logger.Sync()

	rm := types.DefaultRegisterMap()
	if *profile != "" {
		loader, err := profiles.NewLoader([]string{*profileDir})
		if err != nil {
			logger.Fatal("Failed to open profiles", zap.Error(err))
		}
		p, err := loader.Load(*profile)
		if err != nil {
			logger.Fatal("Failed to load profile", zap.String("profile", *profile), zap.Error(err))
		}
		rm = p.RegisterMap
	}

	ids := settings.ParseDeviceIDs(*units)
	silentIDs := make(map[int]bool)
	for _, id := range settings.ParseDeviceIDs(*silent) {
		silentIDs[id] = true
	}

	sim := modbus.NewSimulator(logger)
	for _, id := range ids {
		sim.SetUnit(uint8(id), &modbus.SimUnit{Silent: silentIDs[id]})
	}

	addr, err := sim.Listen(*listen)
	if err != nil {
		logger.Fatal("Failed to listen", zap.Error(err))
	}
	logger.Info("Simulator listening",
		zap.String("address", addr),
		zap.Ints("units", ids),
		zap.String("profile", *profile))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	go func() {
		ticker := time.NewTicker(*update)
		defer ticker.Stop()
		start := time.Now()
		for {
			for _, id := range ids {
				writeInverter(sim, uint8(id), rm, inverterState(id, time.Since(start), *peak))
			}
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()

	if err := sim.Serve(ctx); err != nil {
		logger.Error("Simulator stopped", zap.Error(err))
	}
	logger.Info("Simulator stopped")
}

// inverterState produces a slow sine over ten minutes, phase shifted per
// unit so the inverters differ.
func inverterState(id int, elapsed time.Duration, peak float64) types.Measurement {
	phase := elapsed.Seconds()/600*2*math.Pi + float64(id)
	power := peak * (0.55 + 0.45*math.Sin(phase))
	voltage := 230 + float64(id%5)
	return types.Measurement{
		DeviceID:    id,
		Power:       math.Round(power),
		Voltage:     voltage,
		Current:     power / voltage,
		Temperature: 30 + 10*(power/peak),
	}
}

func writeInverter(sim *modbus.Simulator, unit uint8, rm types.RegisterMap, m types.Measurement) {
	sim.SetHolding(unit, rm.PowerAddr, toRaw(m.Power, rm.PowerScale))
	sim.SetHolding(unit, rm.VoltageAddr, toRaw(m.Voltage, rm.VoltageScale))
	sim.SetHolding(unit, rm.CurrentAddr, toRaw(m.Current, rm.CurrentScale))
	sim.SetHolding(unit, rm.TemperatureAddr, toRaw(m.Temperature, rm.TemperatureScale))
	if rm.FaultAddr != nil {
		sim.SetHolding(unit, *rm.FaultAddr, 0)
		if rm.FaultWords == 2 {
			sim.SetHolding(unit, *rm.FaultAddr+1, 0)
		}
	}
	if rm.FaultAddr2 != nil {
		sim.SetHolding(unit, *rm.FaultAddr2, 0)
		if rm.FaultWords2 == 2 {
			sim.SetHolding(unit, *rm.FaultAddr2+1, 0)
		}
	}
}

func toRaw(value, scale float64) uint16 {
	if scale <= 0 {
		scale = 1
	}
	raw := math.Round(value / scale)
	if raw < 0 {
		return 0
	}
	if raw > math.MaxUint16 {
		return math.MaxUint16
	}
	return uint16(raw)
}
