package headless

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"

	"github.com/JakeFAU/govtrack-audit/internal/store"
)

// observer buffers network events for one visit. Browser listeners must not
// block, so rows are written to the store by flush after the visit.
type observer struct {
	browserID int64
	visitID   int64
	topLevel  string

	mu        sync.Mutex
	requests  []store.Request
	responses []store.Response
	dns       map[string]store.DNSResponse
	dnsOrder  []string
}

func newObserver(browserID, visitID int64, topLevel string) *observer {
	return &observer{
		browserID: browserID,
		visitID:   visitID,
		topLevel:  topLevel,
		dns:       make(map[string]store.DNSResponse),
	}
}

// handle is registered as the tab's event listener.
func (o *observer) handle(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request == nil {
			return
		}
		o.mu.Lock()
		o.requests = append(o.requests, store.Request{
			BrowserID:    o.browserID,
			VisitID:      o.visitID,
			URL:          ev.Request.URL,
			TopLevelURL:  o.topLevel,
			Method:       ev.Request.Method,
			ResourceType: string(ev.Type),
			Time:         time.Now().UTC(),
		})
		o.mu.Unlock()
	case *network.EventResponseReceived:
		if ev.Response == nil {
			return
		}
		now := time.Now().UTC()
		o.mu.Lock()
		o.responses = append(o.responses, store.Response{
			BrowserID: o.browserID,
			VisitID:   o.visitID,
			URL:       ev.Response.URL,
			Status:    int(ev.Response.Status),
			RemoteIP:  ev.Response.RemoteIPAddress,
			Time:      now,
		})
		o.recordResolution(ev.Response.URL, ev.Response.RemoteIPAddress, now)
		o.mu.Unlock()
	}
}

// recordResolution keeps the first remote address seen per hostname. Callers
// hold o.mu.
func (o *observer) recordResolution(rawURL, addr string, ts time.Time) {
	if addr == "" {
		return
	}
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return
	}
	host := u.Hostname()
	if _, seen := o.dns[host]; seen {
		return
	}
	o.dns[host] = store.DNSResponse{
		BrowserID: o.browserID,
		VisitID:   o.visitID,
		Hostname:  host,
		Addresses: addr,
		Time:      ts,
	}
	o.dnsOrder = append(o.dnsOrder, host)
}

// flush writes every buffered event and clears the buffers. It keeps going
// after a failed row and returns the joined errors.
func (o *observer) flush(ctx context.Context, rec Recorder) error {
	o.mu.Lock()
	requests, responses := o.requests, o.responses
	dns := make([]store.DNSResponse, 0, len(o.dnsOrder))
	for _, host := range o.dnsOrder {
		dns = append(dns, o.dns[host])
	}
	o.requests, o.responses, o.dnsOrder = nil, nil, nil
	o.dns = make(map[string]store.DNSResponse)
	o.mu.Unlock()

	var errs []error
	for _, r := range requests {
		errs = append(errs, rec.RecordRequest(ctx, r))
	}
	for _, r := range responses {
		errs = append(errs, rec.RecordResponse(ctx, r))
	}
	for _, d := range dns {
		errs = append(errs, rec.RecordDNS(ctx, d))
	}
	return errors.Join(errs...)
}
