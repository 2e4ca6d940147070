package model

// Class is the priority class a request is dispatched in.
type Class int

const (
	EXPEDITED Class = iota
	STANDARD
)

const CLASS_COUNT = 2

func (c Class) String() string {
	switch c {
	case EXPEDITED:
		return "expedited"
	case STANDARD:
		return "standard"
	default:
		return "unknown"
	}
}

type Status int

const (
	STATUS_OK          Status = 200
	STATUS_BAD_REQUEST Status = 400
	STATUS_NOT_FOUND   Status = 404
	STATUS_ERROR       Status = 500
)

// Paths with this suffix ask the serving worker to pick up the newest
// pending standard request right after this one.
const SKIP_SUFFIX = ".skip"

// Paths under this prefix are generated instead of read from disk.
const DYNAMIC_PREFIX = "/dynamic"
