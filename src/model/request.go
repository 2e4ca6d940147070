package model

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Request struct {
	ID    uuid.UUID
	Class Class
	Path  string
}

// Per-request statistics echoed back to the client.
type Stats struct {
	Arrival       time.Time
	DispatchDelay time.Duration
	ThreadID      int
	ThreadCount   int
	ThreadStatic  int
	ThreadDynamic int
}

type Response struct {
	ID     uuid.UUID
	Status Status
	Class  Class
	Stats  Stats
	Data   []byte
}

// Skip reports whether the path carries the skip suffix.
func (r *Request) Skip() bool {
	return strings.HasSuffix(r.Path, SKIP_SUFFIX)
}

// Resource is the path with the skip suffix removed.
func (r *Request) Resource() string {
	return strings.TrimSuffix(r.Path, SKIP_SUFFIX)
}

// Write a Request.
func (r *Request) Write(writer io.Writer) (err error) {
	// Format mimics HTTP:
	// Headers - "Key: Value" separated by \n
	// Followed by empty line
	_, err = fmt.Fprintf(writer,
		"Id: %s\nClass: %d\nPath: %s\n\n",
		r.ID, r.Class, r.Path)
	return
}

// Read a Request.
func ReadRequest(reader *bufio.Reader) (req *Request, err error) {
	request := &Request{Class: STANDARD}

	err = readHeaders(reader, func(key, value string) (err error) {
		switch key {
		case "Id":
			request.ID, err = uuid.Parse(value)
		case "Class":
			var intValue int
			if intValue, err = strconv.Atoi(value); err != nil {
				return
			}
			request.Class = Class(intValue)
		case "Path":
			request.Path = value
		}
		return
	})
	if err != nil {
		return
	}
	if request.Path == "" {
		err = errors.New("missing path")
		return
	}
	req = request
	return
}

// Write a Response.
func (r *Response) Write(writer *bufio.Writer) (err error) {
	// Format mimics HTTP:
	// Headers - "Key: Value" separated by \n
	// Followed by empty line
	// Followed by optional data
	_, err = fmt.Fprintf(writer,
		"Id: %s\nStatus: %d\nClass: %d\n"+
			"Stat-Req-Arrival: %d\nStat-Req-Dispatch: %d\n"+
			"Stat-Thread-Id: %d\nStat-Thread-Count: %d\n"+
			"Stat-Thread-Static: %d\nStat-Thread-Dynamic: %d\n"+
			"Content-Length: %d\n\n",
		r.ID, r.Status, r.Class,
		r.Stats.Arrival.UnixMicro(), r.Stats.DispatchDelay.Microseconds(),
		r.Stats.ThreadID, r.Stats.ThreadCount,
		r.Stats.ThreadStatic, r.Stats.ThreadDynamic,
		len(r.Data))
	if err != nil {
		return err
	}

	_, err = writer.Write(r.Data)
	if err != nil {
		return err
	}

	err = writer.Flush()
	return
}

// Read a Response.
func ReadResponse(reader *bufio.Reader) (res *Response, err error) {
	response := &Response{}

	contentLength := 0

	err = readHeaders(reader, func(key, value string) (err error) {
		var intValue int
		switch key {
		case "Id":
			response.ID, err = uuid.Parse(value)
			return
		case "Status", "Class", "Stat-Thread-Id", "Stat-Thread-Count",
			"Stat-Thread-Static", "Stat-Thread-Dynamic", "Content-Length",
			"Stat-Req-Arrival", "Stat-Req-Dispatch":
			if intValue, err = strconv.Atoi(value); err != nil {
				return
			}
		default:
			return
		}

		switch key {
		case "Status":
			response.Status = Status(intValue)
		case "Class":
			response.Class = Class(intValue)
		case "Stat-Req-Arrival":
			response.Stats.Arrival = time.UnixMicro(int64(intValue))
		case "Stat-Req-Dispatch":
			response.Stats.DispatchDelay = time.Duration(intValue) * time.Microsecond
		case "Stat-Thread-Id":
			response.Stats.ThreadID = intValue
		case "Stat-Thread-Count":
			response.Stats.ThreadCount = intValue
		case "Stat-Thread-Static":
			response.Stats.ThreadStatic = intValue
		case "Stat-Thread-Dynamic":
			response.Stats.ThreadDynamic = intValue
		case "Content-Length":
			contentLength = intValue
		}
		return
	})
	if err != nil {
		return
	}

	response.Data = make([]byte, contentLength)
	if _, err = io.ReadFull(reader, response.Data); err != nil {
		return
	}
	res = response
	return
}

// readHeaders reads "Key: Value" lines up to and including the empty line.
func readHeaders(reader *bufio.Reader, header func(key, value string) error) (err error) {
	for {
		var line string
		if line, err = reader.ReadString('\n'); err != nil {
			return
		}

		line = strings.TrimRight(line, "\r\n")
		if len(line) == 0 {
			return
		}

		kv := strings.SplitN(line, ":", 2)
		if len(kv) != 2 {
			err = errors.New("not a key value pair")
			return
		}

		if err = header(strings.TrimSpace(kv[0]), strings.TrimSpace(kv[1])); err != nil {
			return
		}
	}
}
