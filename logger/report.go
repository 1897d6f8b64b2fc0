package logger

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	framesReceived int64
	ticksPublished int64
	reconnects     int64
	circuitOpens   int64
	warnCounts     sync.Map // component -> *int64
	errorCounts    sync.Map // component -> *int64
	channels       sync.Map // name -> *channelStat
)

func bump(m *sync.Map, key string) {
	v, _ := m.LoadOrStore(key, new(int64))
	atomic.AddInt64(v.(*int64), 1)
}

func recordWarn(component string)  { bump(&warnCounts, component) }
func recordError(component string) { bump(&errorCounts, component) }

// IncrementFrame counts one inbound socket frame of the given size.
func IncrementFrame(feed string, size int) {
	atomic.AddInt64(&framesReceived, 1)
	recordChannel(feed+"_ws", size)
}

// IncrementTicks counts ticks handed to the broadcast sink.
func IncrementTicks(n int) {
	atomic.AddInt64(&ticksPublished, int64(n))
}

func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

func IncrementCircuitOpen() {
	atomic.AddInt64(&circuitOpens, 1)
}

func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// Counters is a point-in-time copy of the process-wide feed counters.
type Counters struct {
	Frames       int64            `json:"frames"`
	Ticks        int64            `json:"ticks"`
	Reconnects   int64            `json:"reconnects"`
	CircuitOpens int64            `json:"circuit_opens"`
	Warns        map[string]int64 `json:"warns"`
	Errors       map[string]int64 `json:"errors"`
}

func Snapshot() Counters {
	return Counters{
		Frames:       atomic.LoadInt64(&framesReceived),
		Ticks:        atomic.LoadInt64(&ticksPublished),
		Reconnects:   atomic.LoadInt64(&reconnects),
		CircuitOpens: atomic.LoadInt64(&circuitOpens),
		Warns:        loadCounts(&warnCounts),
		Errors:       loadCounts(&errorCounts),
	}
}

func loadCounts(m *sync.Map) map[string]int64 {
	out := map[string]int64{}
	m.Range(func(k, v any) bool {
		out[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})
	return out
}

// StartReport begins periodic logging of system and feed statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		cs := v.(*channelStat)
		channelData[k.(string)] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	memMB := 0.0
	if memStats != nil {
		memMB = float64(memStats.Used) / 1024 / 1024
	}
	var bytesSent, bytesRecv uint64
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	c := Snapshot()
	log.WithComponent("report").WithFields(Fields{
		"frames":         c.Frames,
		"ticks":          c.Ticks,
		"reconnects":     c.Reconnects,
		"circuit_opens":  c.CircuitOpens,
		"warns":          c.Warns,
		"errors":         c.Errors,
		"goroutines":     runtime.NumGoroutine(),
		"cpu_percent":    cpuPct,
		"memory_mb":      int64(memMB),
		"channels":       channelData,
		"net_bytes_sent": int64(bytesSent),
		"net_bytes_recv": int64(bytesRecv),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		countDatum("CPUPercent", cpuPct, cwtypes.StandardUnitPercent),
		countDatum("MemoryMB", memMB, cwtypes.StandardUnitMegabytes),
		countDatum("Frames", float64(c.Frames), cwtypes.StandardUnitCount),
		countDatum("Ticks", float64(c.Ticks), cwtypes.StandardUnitCount),
		countDatum("Reconnects", float64(c.Reconnects), cwtypes.StandardUnitCount),
		countDatum("CircuitOpens", float64(c.CircuitOpens), cwtypes.StandardUnitCount),
		countDatum("NetBytesSent", float64(bytesSent), cwtypes.StandardUnitBytes),
		countDatum("NetBytesRecv", float64(bytesRecv), cwtypes.StandardUnitBytes),
	}

	names := make([]string, 0, len(channelData))
	for name := range channelData {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		dim := []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}}
		msgs := countDatum("ChannelMessages", float64(channelData[name]["messages"]), cwtypes.StandardUnitCount)
		msgs.Dimensions = dim
		size := countDatum("ChannelBytes", float64(channelData[name]["bytes"]), cwtypes.StandardUnitBytes)
		size.Dimensions = dim
		data = append(data, msgs, size)
	}

	publishMetrics(ctx, data)
}

func countDatum(name string, value float64, unit cwtypes.StandardUnit) cwtypes.MetricDatum {
	return cwtypes.MetricDatum{MetricName: aws.String(name), Unit: unit, Value: aws.Float64(value)}
}
