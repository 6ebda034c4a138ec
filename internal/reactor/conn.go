package reactor

import (
	"bytes"
	"time"

	"github.com/helouazizi/localserver/internal/cgi"
	"github.com/helouazizi/localserver/internal/config"
	"github.com/helouazizi/localserver/internal/fdio"
	"github.com/helouazizi/localserver/internal/parser"
	"github.com/helouazizi/localserver/internal/respwriter"
)

// connState mirrors spec.md §4.3's per-connection state machine.
type connState int

const (
	stateReadingRequest connState = iota
	stateDispatched
	stateWritingResponse
	stateClosing
)

// writeHighWatermark / writeLowWatermark bound the unread tail of a CGI
// job's stdout buffer (see cgi_bridge.go): once it reaches the high
// watermark, readable interest on the job's stdout is cleared until a
// pull by the response writer drains it to the low watermark. Request
// body intake and the connection's own write buffer are not checked
// against these watermarks.
const (
	writeHighWatermark = 1 << 20
	writeLowWatermark  = 1 << 18
	readBufCap         = 16 * 1024
)

// conn is per-client state, per spec.md §3's Connection entity.
type conn struct {
	fd   *fdio.FD
	id   int
	addr string

	state connState

	readBuf  bytes.Buffer
	writeBuf bytes.Buffer

	parser *parser.Parser

	candidates []*config.Server // servers bound to this conn's listener, in config order
	server     *config.Server
	route      *config.Route

	resp           *respwriter.Response
	headWritten    bool
	bodySourceDone bool

	cgiJob *cgi.Job

	lastActivity time.Time
	closeAfter   bool
}

func newConn(fd *fdio.FD, id int, addr string, candidates []*config.Server) *conn {
	c := &conn{
		fd:           fd,
		id:           id,
		addr:         addr,
		candidates:   candidates,
		server:       candidates[0],
		parser:       parser.New(),
		lastActivity: time.Now(),
	}
	return c
}

func (c *conn) touch() { c.lastActivity = time.Now() }

// overHighWatermark/underLowWatermark are the two watermark tests;
// cgi_bridge.go applies them to the unread tail of a CGI job's stdout
// buffer.
func overHighWatermark(n int) bool { return n >= writeHighWatermark }

func underLowWatermark(n int) bool { return n <= writeLowWatermark }
