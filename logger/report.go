package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type flowStat struct {
	messages int64
	bytes    int64
}

var (
	errorsSession   int64
	errorsCollector int64
	warnsSession    int64
	warnsCollector  int64
	ticksReceived   int64
	depthUpdates    int64
	deltaPoints     int64
	ordersSubmitted int64
	orderFailures   int64
	reconnections   int64
	decodeErrors    int64
	flows           sync.Map // map[string]*flowStat
)

func recordWarn(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "dtc") {
		atomic.AddInt64(&warnsSession, 1)
	} else if strings.Contains(component, "collector") {
		atomic.AddInt64(&warnsCollector, 1)
	}
}

func recordError(component string) {
	if strings.Contains(component, "session") || strings.Contains(component, "dtc") {
		atomic.AddInt64(&errorsSession, 1)
	} else if strings.Contains(component, "collector") {
		atomic.AddInt64(&errorsCollector, 1)
	}
}

func IncrementTickRead(size int) {
	atomic.AddInt64(&ticksReceived, 1)
	recordFlow("tick_in", size)
}

func IncrementDepthRead(size int) {
	atomic.AddInt64(&depthUpdates, 1)
	recordFlow("depth_in", size)
}

func IncrementDeltaPoint() {
	atomic.AddInt64(&deltaPoints, 1)
}

func IncrementOrderSubmitted() {
	atomic.AddInt64(&ordersSubmitted, 1)
}

func IncrementOrderFailure() {
	atomic.AddInt64(&orderFailures, 1)
}

func IncrementReconnection() {
	atomic.AddInt64(&reconnections, 1)
}

func IncrementDecodeError() {
	atomic.AddInt64(&decodeErrors, 1)
}

func RecordFlowMessage(name string, size int) {
	recordFlow(name, size)
}

func recordFlow(name string, size int) {
	v, _ := flows.LoadOrStore(name, &flowStat{})
	fs := v.(*flowStat)
	atomic.AddInt64(&fs.messages, 1)
	atomic.AddInt64(&fs.bytes, int64(size))
}

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

// StartReport begins periodic logging of system and data flow statistics.
// It exposes the internal startReport function for use by other packages.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	startReport(ctx, log, interval)
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	diskStats, _ := disk.Usage("/")
	netStats, _ := gnet.IOCounters(false)
	flowData := map[string]map[string]int64{}
	flows.Range(func(k, v any) bool {
		name := k.(string)
		fs := v.(*flowStat)
		flowData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&fs.messages),
			"bytes":    atomic.LoadInt64(&fs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	fields := Fields{
		"errors_session":   atomic.LoadInt64(&errorsSession),
		"errors_collector": atomic.LoadInt64(&errorsCollector),
		"warns_session":    atomic.LoadInt64(&warnsSession),
		"warns_collector":  atomic.LoadInt64(&warnsCollector),
		"ticks_received":   atomic.LoadInt64(&ticksReceived),
		"depth_updates":    atomic.LoadInt64(&depthUpdates),
		"delta_points":     atomic.LoadInt64(&deltaPoints),
		"orders_submitted": atomic.LoadInt64(&ordersSubmitted),
		"order_failures":   atomic.LoadInt64(&orderFailures),
		"reconnections":    atomic.LoadInt64(&reconnections),
		"decode_errors":    atomic.LoadInt64(&decodeErrors),
		"goroutines":       runtime.NumGoroutine(),
		"cpu_percent":      cpuPct,
		"memory_mb":        int64(memStats.Used) / 1024 / 1024,
		"disk_mb":          int64(diskStats.Used) / 1024 / 1024,
		"flows":            flowData,
		"net_bytes_sent":   int64(bytesSent),
		"net_bytes_recv":   int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	var data []cwtypes.MetricDatum
	data = append(data,
		cwtypes.MetricDatum{MetricName: aws.String("Mia-CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-DiskMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(diskStats.Used) / 1024 / 1024)},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-ErrorsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-ErrorsCollector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["errors_collector"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-WarnsSession"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_session"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-WarnsCollector"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["warns_collector"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-TicksReceived"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["ticks_received"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-DepthUpdates"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["depth_updates"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-DeltaPoints"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["delta_points"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-OrdersSubmitted"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["orders_submitted"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-OrderFailures"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["order_failures"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-Reconnections"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["reconnections"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-DecodeErrors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(fields["decode_errors"].(int64)))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		cwtypes.MetricDatum{MetricName: aws.String("Mia-NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	)

	for name, stats := range flowData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("Mia-FlowMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("Mia-FlowBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Flow"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
