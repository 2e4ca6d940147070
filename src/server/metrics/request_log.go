package metrics

import (
	"prioserver/src/server/dispatch"
	"strconv"
	"time"
)

// RequestLog writes one CSV row per served connection.
type RequestLog struct {
	out *csvOut
}

func OpenRequestLog(path string) (*RequestLog, error) {
	out, err := openCSV(path, []string{
		"ts",
		"class",
		"thread",
		"arrival_us",
		"dispatch_delay_us",
		"service_time_us",
		"skip",
	})
	if err != nil {
		return nil, err
	}
	return &RequestLog{out: out}, nil
}

func (l *RequestLog) Record(c dispatch.Completion) error {
	finished := c.Arrival.Add(c.DispatchDelay + c.ServiceTime)
	return l.out.write([]string{
		finished.Format(time.RFC3339Nano),
		c.Class.String(),
		strconv.Itoa(c.ThreadID),
		i64(c.Arrival.UnixMicro()),
		i64(c.DispatchDelay.Microseconds()),
		i64(c.ServiceTime.Microseconds()),
		strconv.FormatBool(c.Skip),
	})
}

func (l *RequestLog) Close() error {
	return l.out.close()
}

func i64(v int64) string   { return strconv.FormatInt(v, 10) }
func f64(v float64) string { return strconv.FormatFloat(v, 'f', 3, 64) }
