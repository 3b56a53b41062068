package app

import (
	"context"
	"os"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/talkincode/wagate/internal/domain"
	"github.com/talkincode/wagate/pkg/metrics"
)

var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// InitJobs registers background maintenance jobs: system monitoring, the
// stale-session sweep and webhook delivery log cleanup.
func (a *Application) InitJobs() {
	loc, _ := time.LoadLocation(a.appConfig.System.Location)
	a.sched = cron.New(cron.WithLocation(loc), cron.WithParser(cronParser))

	var err error
	_, err = a.sched.AddFunc("@every 30s", func() {
		go a.SchedSystemMonitorTask()
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@every 5m", func() {
		if a.manager == nil {
			return
		}
		a.manager.SweepStale(context.Background())
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	_, err = a.sched.AddFunc("@daily", func() {
		if a.gormDB == nil {
			return
		}
		a.gormDB.
			Where("created_at < ?", time.Now().
				Add(-time.Hour*24*90)).Delete(domain.WaWebhookLog{})
	})
	if err != nil {
		zap.S().Errorf("init job error %s", err.Error())
	}

	a.sched.Start()
}

// SchedSystemMonitorTask samples host and process resource usage plus the
// live session count into the local metrics store.
func (a *Application) SchedSystemMonitorTask() {
	defer func() {
		if err := recover(); err != nil {
			zap.S().Error(err)
		}
	}()

	if cpuuse, err := cpu.Percent(0, false); err == nil && len(cpuuse) > 0 {
		metrics.SetGauge("system_cpuuse", int64(cpuuse[0]*100))
	}
	if meminfo, err := mem.VirtualMemory(); err == nil {
		metrics.SetGauge("system_memuse", int64(meminfo.Used/1024/1024))
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if cpuuse, err := p.CPUPercent(); err == nil {
			metrics.SetGauge("wagate_cpuuse", int64(cpuuse*100))
		}
		if meminfo, err := p.MemoryInfo(); err == nil {
			metrics.SetGauge("wagate_memuse", int64(meminfo.RSS/1024/1024))
		}
	}
	if a.manager != nil {
		metrics.SetGauge("wagate_sessions", int64(a.manager.Count()))
	}
}
