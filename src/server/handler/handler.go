// Package handler classifies and serves requests read from transport
// connections.
package handler

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"prioserver/src/logging"
	"prioserver/src/model"
	"prioserver/src/server/dispatch"
	"prioserver/src/server/transport"
	"strconv"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"
)

// Classifier reads the request header block under a deadline. Requests that
// cannot be read in time are standard.
type Classifier struct {
	timeout time.Duration
	logger  logr.Logger
}

func NewClassifier(timeout time.Duration, logger logr.Logger) *Classifier {
	return &Classifier{
		timeout: timeout,
		logger:  logger.WithName("classifier"),
	}
}

func (c *Classifier) IsExpedited(conn *transport.Conn) bool {
	req, err := conn.RequestWithin(c.timeout)
	if err != nil {
		c.logger.V(logging.DEBUG).Info("Unreadable request", "conn", conn.ID, "error", err.Error())
		return false
	}
	return req.Class == model.EXPEDITED
}

// Handler serves files under root and generated content under
// model.DYNAMIC_PREFIX.
type Handler struct {
	root   string
	clock  clock.Clock
	logger logr.Logger
}

func NewHandler(root string, clk clock.Clock, logger logr.Logger) *Handler {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Handler{
		root:   root,
		clock:  clk,
		logger: logger.WithName("handler"),
	}
}

func (h *Handler) Handle(conn *transport.Conn, arrival time.Time, dispatchDelay time.Duration, stats *dispatch.ThreadStats) bool {
	stats.Total++

	res := &model.Response{
		ID: conn.ID,
		Stats: model.Stats{
			Arrival:       arrival,
			DispatchDelay: dispatchDelay,
		},
	}

	req, err := conn.Request()
	skip := false
	if err != nil {
		res.Status = model.STATUS_BAD_REQUEST
		res.Class = model.STANDARD
		res.Data = []byte(err.Error())
	} else {
		res.ID = req.ID
		res.Class = req.Class
		skip = req.Skip()

		resource := req.Resource()
		if resource == model.DYNAMIC_PREFIX || strings.HasPrefix(resource, model.DYNAMIC_PREFIX+"/") {
			res.Status, res.Data = h.serveDynamic(resource, stats)
		} else {
			res.Status, res.Data = h.serveStatic(resource, stats)
		}
	}

	res.Stats.ThreadID = stats.ID
	res.Stats.ThreadCount = stats.Total
	res.Stats.ThreadStatic = stats.Static
	res.Stats.ThreadDynamic = stats.Dynamic

	if err := conn.WriteResponse(res); err != nil {
		h.logger.V(logging.DEBUG).Info("Response write failed", "conn", conn.ID, "error", err.Error())
	}
	h.logger.V(logging.TRACE).Info("Handled", "id", res.ID, "status", int(res.Status), "thread", stats.ID)
	return skip
}

func (h *Handler) serveStatic(resource string, stats *dispatch.ThreadStats) (model.Status, []byte) {
	// Clean against "/" so the path cannot climb out of root.
	name := filepath.Join(h.root, filepath.FromSlash(path.Clean("/"+resource)))
	info, err := os.Stat(name)
	if err != nil || info.IsDir() {
		return model.STATUS_NOT_FOUND, []byte(fmt.Sprintf("%s not found", resource))
	}

	data, err := os.ReadFile(name)
	if err != nil {
		h.logger.Error(errors.Wrapf(err, "read %s", name), "Static read failed")
		return model.STATUS_ERROR, nil
	}
	stats.Static++
	return model.STATUS_OK, data
}

// serveDynamic generates a response. "/dynamic/spin?ms=N" holds the thread
// for N milliseconds first; any other path echoes its query.
func (h *Handler) serveDynamic(resource string, stats *dispatch.ThreadStats) (model.Status, []byte) {
	u, err := url.Parse(resource)
	if err != nil {
		return model.STATUS_BAD_REQUEST, []byte(err.Error())
	}

	if u.Path == model.DYNAMIC_PREFIX+"/spin" {
		ms, err := strconv.Atoi(u.Query().Get("ms"))
		if err != nil || ms < 0 {
			return model.STATUS_BAD_REQUEST, []byte("spin needs ms=<non-negative integer>")
		}
		h.clock.Sleep(time.Duration(ms) * time.Millisecond)
	}

	stats.Dynamic++
	body := fmt.Sprintf("path=%s\nquery=%s\nthread=%d\n", u.Path, u.RawQuery, stats.ID)
	return model.STATUS_OK, []byte(body)
}
