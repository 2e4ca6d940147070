package client

import (
	"bufio"
	"fmt"
	"os"
	"prioserver/src/model"

	"github.com/pkg/errors"
)

// WriteSummary writes one CSV row per class of a finished run.
func WriteSummary(path string, summary *Summary) error {
	const header string = "class,sent,ok,failed,mean_latency_ms,max_latency_ms,mean_dispatch_ms,elapsed_ms,avg_throughput_kbps\n"

	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "open %s", path)
	}
	defer file.Close()
	fileWriter := bufio.NewWriter(file)

	if _, err := fileWriter.WriteString(header); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	for _, class := range []model.Class{model.EXPEDITED, model.STANDARD} {
		s := summary.Classes[class]
		row := fmt.Sprintf("%s,%d,%d,%d,%.3f,%.3f,%.3f,%d,%.2f\n", class, s.Sent, s.OK, s.Failed,
			ms(s.MeanLatency.Seconds()), ms(s.MaxLatency.Seconds()), ms(s.MeanDispatch.Seconds()),
			summary.Elapsed.Milliseconds(), summary.AvgThroughput*8/1000)
		if _, err := fileWriter.WriteString(row); err != nil {
			return errors.Wrapf(err, "write %s", path)
		}
	}
	if err := fileWriter.Flush(); err != nil {
		return errors.Wrapf(err, "write %s", path)
	}
	return file.Close()
}

func ms(seconds float64) float64 { return seconds * 1000 }
