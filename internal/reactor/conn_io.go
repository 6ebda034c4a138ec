package reactor

import (
	"github.com/helouazizi/localserver/internal/fdio"
	"github.com/helouazizi/localserver/internal/netpoll"
	"github.com/helouazizi/localserver/internal/parser"
	"github.com/helouazizi/localserver/internal/respwriter"
)

func (re *Reactor) handleConnEvent(ev netpoll.Event) {
	c, ok := re.conns[ev.Token]
	if !ok {
		return
	}
	if ev.Error {
		re.closeConnection(c)
		return
	}
	if ev.Readable {
		re.readFromClient(c)
		if _, stillOpen := re.conns[c.id]; !stillOpen {
			return
		}
	}
	if ev.Writable {
		re.writeToClient(c)
		if _, stillOpen := re.conns[c.id]; !stillOpen {
			return
		}
	}
	if ev.Hangup && c.writeBuf.Len() == 0 && c.readBuf.Len() == 0 {
		re.closeConnection(c)
	}
}

// readFromClient implements spec.md §4.3's "partial-read discipline":
// drain the socket until would-block, then advance the parser over
// whatever prefix is now available.
func (re *Reactor) readFromClient(c *conn) {
	if c.state != stateReadingRequest {
		return
	}
	tmp := make([]byte, readBufCap)
	for {
		n, res, err := c.fd.Read(tmp)
		if err != nil {
			re.log.Printf("[reactor] fd %d read error: %v", c.id, err)
			re.closeConnection(c)
			return
		}
		switch res {
		case fdio.OK:
			c.readBuf.Write(tmp[:n])
			c.touch()
		case fdio.WouldBlock:
			goto drained
		case fdio.PeerClosed:
			re.closeConnection(c)
			return
		}
	}
drained:
	re.advanceParser(c)
}

// advanceParser feeds the parser from c.readBuf until it needs more
// bytes, hits a routable headers-complete boundary, finishes the
// request, or fails.
func (re *Reactor) advanceParser(c *conn) {
	for {
		data := c.readBuf.Bytes()
		consumed, status, perr := c.parser.Feed(data)
		if consumed > 0 {
			c.readBuf.Next(consumed)
		}
		switch status {
		case parser.NeedMore:
			return
		case parser.Failed:
			re.sendErrorAndClose(c, perr.Status)
			return
		case parser.HeadersDone:
			if !re.resolveRouteAndLimit(c) {
				return // error response already queued
			}
			continue
		case parser.Done:
			re.dispatch(c)
			return
		}
	}
}

// writeToClient drains c.writeBuf, pulling more bytes from a streamed
// body source when the buffer empties, per spec.md §4.8.
func (re *Reactor) writeToClient(c *conn) {
	for {
		if c.writeBuf.Len() == 0 {
			if !re.pullMoreBody(c) {
				break
			}
			if c.writeBuf.Len() == 0 {
				break
			}
		}
		n, res, err := c.fd.Write(c.writeBuf.Bytes())
		if err != nil {
			re.log.Printf("[reactor] fd %d write error: %v", c.id, err)
			re.closeConnection(c)
			return
		}
		switch res {
		case fdio.OK:
			c.writeBuf.Next(n)
			c.touch()
		case fdio.WouldBlock:
			return
		case fdio.PeerClosed:
			re.closeConnection(c)
			return
		}
	}
	re.maybeFinishResponse(c)
}

// pullMoreBody pulls the next slice of a streamed response body
// (file source or CGI) into c.writeBuf. Returns false when there is no
// streamed source or it is already exhausted; a pull that finds no bytes
// ready yet (CGI output not arrived) returns true without adding any.
func (re *Reactor) pullMoreBody(c *conn) bool {
	if c.resp == nil || c.resp.Source == nil {
		return false
	}
	if c.bodySourceDone {
		return false
	}
	buf := make([]byte, 32*1024)
	n, err := c.resp.Source.Read(buf)
	if n > 0 {
		if c.resp.Chunked {
			c.writeBuf.Write(respwriter.EncodeChunk(buf[:n]))
		} else {
			c.writeBuf.Write(buf[:n])
		}
	}
	if err != nil {
		c.resp.Source.Close()
		c.bodySourceDone = true
		if c.resp.Chunked {
			c.writeBuf.Write(respwriter.EncodeChunk(nil))
		}
	}
	return true
}

func (re *Reactor) maybeFinishResponse(c *conn) {
	if c.writeBuf.Len() > 0 {
		return
	}
	if c.resp != nil && c.resp.Source != nil && !c.bodySourceDone {
		return
	}
	if c.state != stateWritingResponse {
		return
	}
	re.finishRequest(c)
}

// finishRequest implements spec.md §4.8's keep-alive/close decision.
func (re *Reactor) finishRequest(c *conn) {
	keepAlive := c.parser.Request().KeepAlive && !c.closeAfter
	if c.resp != nil && c.resp.Close {
		keepAlive = false
	}
	if !keepAlive {
		re.closeConnection(c)
		return
	}
	c.resp = nil
	c.route = nil
	c.closeAfter = false
	c.headWritten = false
	c.bodySourceDone = false
	c.parser.Reset()
	c.state = stateReadingRequest
	re.poller.Reinterest(c.fd.Int(), netpoll.Readable)
	if c.readBuf.Len() > 0 {
		re.advanceParser(c)
	}
}
