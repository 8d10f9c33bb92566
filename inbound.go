package userbase

import "github.com/venkatvb/userbase/internal/wire"

// handleInbound runs on the event-loop goroutine. It classifies raw as a
// Response or an Event and dispatches accordingly (SPEC_FULL.md §4.3,
// Server-pushed event routes).
func (c *Connection) handleInbound(raw []byte) {
	resp, ev, err := wire.ParseInbound(raw)
	if err != nil {
		c.log.Printf("inbound: unparseable message: %v", err)
		return
	}
	if resp != nil {
		c.handleResponse(resp)
		return
	}
	c.handleEvent(ev)
}

func (c *Connection) handleResponse(resp *wire.Response) {
	p, ok := c.requests[resp.RequestID]
	if !ok {
		c.log.Printf("inbound: response for unknown or already-resolved request %s", resp.RequestID)
		return
	}
	delete(c.requests, resp.RequestID)

	if resp.Response.Status == wire.StatusSuccess {
		p.result <- requestResult{data: resp.Response.Data}
		return
	}
	p.result <- requestResult{err: requestFailed(string(p.action), resp.Response.Status, resp.Response.Message)}
}

func (c *Connection) handleEvent(ev *wire.Event) {
	switch ev.Route {
	case wire.RouteConnection:
		if ev.Connection == nil {
			return
		}
		c.onConnectionEvent(ev.Connection)
	case wire.RouteApplyTransactions:
		if ev.ApplyTransactions == nil {
			return
		}
		c.onApplyTransactions(ev.ApplyTransactions)
	case wire.RouteBuildBundle:
		if ev.BuildBundle == nil {
			return
		}
		c.onBuildBundle(ev.BuildBundle)
	case wire.RouteReceiveRequestForSeed:
		if ev.ReceiveRequestForSeed == nil {
			return
		}
		c.onReceiveRequestForSeed(ev.ReceiveRequestForSeed)
	case wire.RouteReceiveSeed:
		if ev.ReceiveSeed == nil {
			return
		}
		c.onReceiveSeed(ev.ReceiveSeed)
	default:
		c.log.Printf("inbound: ignoring unknown route %q", ev.Route)
	}
}
