package client

import (
	"bufio"
	"fmt"
	"os"
	"prioserver/src/model"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// StatisticsLogger writes one CSV row per response.
type StatisticsLogger struct {
	mutex      sync.Mutex
	fileWriter *bufio.Writer
	file       *os.File
}

func NewStatisticsLogger(path string) (*StatisticsLogger, error) {
	const header string = "time_ns,class,status,latency_ns,dispatch_us,thread,thread_count\n"

	file, err := os.Create(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	fileWriter := bufio.NewWriter(file)

	if _, err := fileWriter.WriteString(header); err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "write %s", path)
	}

	return &StatisticsLogger{
		fileWriter: fileWriter,
		file:       file,
	}, nil
}

func (s *StatisticsLogger) Log(timeFromStart time.Duration, res *model.Response, latency time.Duration) error {
	row := fmt.Sprintf("%d,%s,%d,%d,%d,%d,%d\n", timeFromStart.Nanoseconds(),
		res.Class, res.Status, latency.Nanoseconds(), res.Stats.DispatchDelay.Microseconds(),
		res.Stats.ThreadID, res.Stats.ThreadCount)

	s.mutex.Lock()
	defer s.mutex.Unlock()
	_, err := s.fileWriter.WriteString(row)
	return errors.Wrap(err, "write statistics")
}

func (s *StatisticsLogger) Close() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if err := s.fileWriter.Flush(); err != nil {
		s.file.Close()
		return err
	}
	return s.file.Close()
}
