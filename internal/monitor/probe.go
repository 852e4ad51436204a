package monitor

import (
	"context"
	"errors"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
)

var errNoTemperatureSensors = errors.New("no temperature sensors")

// HostProbe reads the local machine through gopsutil.
type HostProbe struct{}

// CPUPercent returns total CPU utilisation since the previous call.
func (HostProbe) CPUPercent(ctx context.Context) (float64, error) {
	pcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, err
	}
	if len(pcts) == 0 {
		return 0, errors.New("no cpu samples")
	}
	return pcts[0], nil
}

func (HostProbe) MemPercent(ctx context.Context) (float64, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, err
	}
	return vm.UsedPercent, nil
}

// Temperature returns the hottest sensor. gopsutil reports unreadable
// sensors as warnings alongside the ones it could read, so an error is only
// returned when nothing was read.
func (HostProbe) Temperature(ctx context.Context) (float64, error) {
	temps, err := host.SensorsTemperaturesWithContext(ctx)
	if len(temps) == 0 {
		if err != nil {
			return 0, err
		}
		return 0, errNoTemperatureSensors
	}
	hottest := temps[0].Temperature
	for _, t := range temps[1:] {
		if t.Temperature > hottest {
			hottest = t.Temperature
		}
	}
	return hottest, nil
}
