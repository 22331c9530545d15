package logger

import (
	"context"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

var (
	errorsExchange    int64
	errorsEngine      int64
	warnsExchange     int64
	warnsEngine       int64
	ordersSubmitted   int64
	ordersFailed      int64
	orderRetries      int64
	protectionsPlaced int64
	protectionsFailed int64
	riskRejections    int64
	cyclesRun         int64
)

func recordWarn(component string) {
	if strings.HasPrefix(component, "exchange") || strings.HasPrefix(component, "session") {
		atomic.AddInt64(&warnsExchange, 1)
	} else {
		atomic.AddInt64(&warnsEngine, 1)
	}
}

func recordError(component string) {
	if strings.HasPrefix(component, "exchange") || strings.HasPrefix(component, "session") {
		atomic.AddInt64(&errorsExchange, 1)
	} else {
		atomic.AddInt64(&errorsEngine, 1)
	}
}

func IncrementOrderSubmitted() { atomic.AddInt64(&ordersSubmitted, 1) }

func IncrementOrderFailed() { atomic.AddInt64(&ordersFailed, 1) }

func IncrementOrderRetry() { atomic.AddInt64(&orderRetries, 1) }

func IncrementProtectionPlaced() { atomic.AddInt64(&protectionsPlaced, 1) }

func IncrementProtectionFailed() { atomic.AddInt64(&protectionsFailed, 1) }

func IncrementRiskRejection() { atomic.AddInt64(&riskRejections, 1) }

func IncrementCycle() { atomic.AddInt64(&cyclesRun, 1) }

func startReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

// StartReport begins periodic logging of system and engine statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	fields := Fields{
		"errors_exchange":    atomic.LoadInt64(&errorsExchange),
		"errors_engine":      atomic.LoadInt64(&errorsEngine),
		"warns_exchange":     atomic.LoadInt64(&warnsExchange),
		"warns_engine":       atomic.LoadInt64(&warnsEngine),
		"orders_submitted":   atomic.LoadInt64(&ordersSubmitted),
		"orders_failed":      atomic.LoadInt64(&ordersFailed),
		"order_retries":      atomic.LoadInt64(&orderRetries),
		"protections_placed": atomic.LoadInt64(&protectionsPlaced),
		"protections_failed": atomic.LoadInt64(&protectionsFailed),
		"risk_rejections":    atomic.LoadInt64(&riskRejections),
		"cycles_run":         atomic.LoadInt64(&cyclesRun),
		"goroutines":         runtime.NumGoroutine(),
		"cpu_percent":        cpuPct,
		"memory_mb":          int64(memStats.Used) / 1024 / 1024,
		"disk_mb":            int64(diskStats.Used) / 1024 / 1024,
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsExchange"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_exchange"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ErrorsEngine"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_engine"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersSubmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_submitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrdersFailed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_failed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("OrderRetries"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["order_retries"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ProtectionsPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["protections_placed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("ProtectionsFailed"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["protections_failed"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("RiskRejections"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["risk_rejections"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("CyclesRun"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["cycles_run"].(int64)))},
	)

	publishMetrics(ctx, data)
}
